package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/e-jigsaw/l1nk/internal/crdt"
	"github.com/e-jigsaw/l1nk/internal/metrics"
	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/e-jigsaw/l1nk/internal/projector"
	"github.com/e-jigsaw/l1nk/internal/protocol"
	"github.com/e-jigsaw/l1nk/internal/snapshots"
	"go.uber.org/zap"
)

type commandKind int

const (
	cmdJoin commandKind = iota + 1
	cmdLeave
	cmdUpdate
	cmdSync
	cmdSyncDone
	cmdPersistDue
	cmdWriteDone
	cmdIdleDue
	cmdClose
)

type command struct {
	kind       commandKind
	peer       Peer
	peerID     string
	payload    []byte
	generation uint64
	waiters    []string
	err        error
	reply      chan error
}

// Session is the single owner of one resident document. Everything below the
// registry fields is touched only by the run goroutine.
type Session struct {
	id     pages.PageID
	hub    *Hub
	logger *zap.Logger
	inbox  chan command
	done   chan struct{}
	err    error

	// guarded by hub.mu
	refs int

	doc          *crdt.Document
	target       pages.PageID
	peers        map[string]Peer
	dirty        bool
	wakeArmed    bool
	wakeGen      uint64
	wakeTimer    Timer
	wakeDeferred bool
	writing      bool
	syncing      bool
	syncWaiters  []string
	idleGen      uint64
	idleTimer    Timer
	closing      bool
	closeReplies []chan error
}

func newSession(hub *Hub, id pages.PageID) *Session {
	return &Session{
		id:     id,
		hub:    hub,
		logger: hub.logger.With(zap.String("document_id", id.String())),
		inbox:  make(chan command, inboxSize),
		done:   make(chan struct{}),
		peers:  make(map[string]Peer),
	}
}

// send delivers cmd to the session goroutine.
func (s *Session) send(ctx context.Context, cmd command) error {
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal completion or timer event.
func (s *Session) post(cmd command) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}

// exitErr is valid once done is closed.
func (s *Session) exitErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrSessionClosed
}

func (s *Session) close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, command{kind: cmdClose, reply: reply}); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer func() {
		s.hub.metrics.SessionClosed()
		close(s.done)
	}()

	if err := s.hydrate(); err != nil {
		s.err = fmt.Errorf("%w: %v", ErrHydrationFailed, err)
		s.logger.Error("session hydration failed", zap.Error(err))
		s.hub.remove(s)
		return
	}
	s.logger.Debug("session hydrated", zap.String("page_id", s.target.String()))
	s.armIdle()

	for cmd := range s.inbox {
		if s.handle(cmd) {
			return
		}
	}
}

func (s *Session) handle(cmd command) bool {
	switch cmd.kind {
	case cmdJoin:
		s.onJoin(cmd)
	case cmdLeave:
		s.onLeave(cmd)
	case cmdUpdate:
		s.onUpdate(cmd)
	case cmdSync:
		s.syncWaiters = append(s.syncWaiters, cmd.peerID)
		return s.advance()
	case cmdSyncDone:
		return s.onSyncDone(cmd)
	case cmdPersistDue:
		return s.onPersistDue(cmd)
	case cmdWriteDone:
		return s.onWriteDone(cmd)
	case cmdIdleDue:
		return s.onIdleDue(cmd)
	case cmdClose:
		s.closing = true
		s.closeReplies = append(s.closeReplies, cmd.reply)
		s.stopWake()
		s.cancelIdle()
		return s.advance()
	}
	return false
}

func (s *Session) hydrate() error {
	ctx, cancel := s.hub.operationContext()
	defer cancel()
	store := s.hub.snapshots
	documentID := s.id.String()

	mapped, err := store.Get(ctx, documentID, snapshots.KeyPage)
	switch {
	case errors.Is(err, snapshots.ErrNotFound):
		if err := store.Put(ctx, documentID, snapshots.KeyPage, []byte(documentID)); err != nil {
			return err
		}
		s.target = s.id
	case err != nil:
		return err
	default:
		target, err := pages.NewPageID(string(mapped))
		if err != nil {
			return err
		}
		s.target = target
	}

	state, err := store.Get(ctx, documentID, snapshots.KeyCRDT)
	switch {
	case errors.Is(err, snapshots.ErrNotFound):
		s.doc = crdt.New()
		if err := s.doc.EnsureSchema(); err != nil {
			return err
		}
		if title := s.existingTitle(ctx); title != "" {
			if _, err := s.doc.AppendBlock(crdt.BlockHeading, title); err != nil {
				return err
			}
		}
	case err != nil:
		return err
	default:
		doc, err := crdt.Load(state)
		if err != nil {
			return err
		}
		s.doc = doc
		if s.doc.HasSchema() {
			return nil
		}
		if err := s.doc.EnsureSchema(); err != nil {
			return err
		}
	}
	// Schema creation must be durable before any client builds on it.
	return store.Put(ctx, documentID, snapshots.KeyCRDT, s.doc.EncodeFullState())
}

func (s *Session) existingTitle(ctx context.Context) string {
	if s.hub.pages == nil {
		return ""
	}
	page, err := s.hub.pages.GetPage(ctx, s.target)
	if err != nil {
		if !errors.Is(err, pages.ErrPageNotFound) {
			s.logger.Warn("page lookup failed during hydration", zap.Error(err))
		}
		return ""
	}
	return page.Title
}

func (s *Session) onJoin(cmd command) {
	if s.closing {
		cmd.reply <- ErrSessionClosed
		return
	}
	if existing, ok := s.peers[cmd.peerID]; ok && existing != cmd.peer {
		s.dropPeer(cmd.peerID, existing)
	}
	s.peers[cmd.peerID] = cmd.peer
	s.hub.metrics.PeerJoined()
	s.cancelIdle()
	if !cmd.peer.Send(protocol.BinaryFrame(s.doc.EncodeFullState())) {
		s.dropPeer(cmd.peerID, cmd.peer)
	}
	s.logger.Debug("peer joined", zap.String("peer_id", cmd.peerID), zap.Int("peers", len(s.peers)))
	cmd.reply <- nil
}

func (s *Session) onLeave(cmd command) {
	if existing, ok := s.peers[cmd.peerID]; ok && existing == cmd.peer {
		delete(s.peers, cmd.peerID)
		s.hub.metrics.PeerLeft()
		s.logger.Debug("peer left", zap.String("peer_id", cmd.peerID), zap.Int("peers", len(s.peers)))
	}
	s.armIdle()
}

func (s *Session) onUpdate(cmd command) {
	before := s.doc.Version()
	if err := s.doc.ApplyUpdate(cmd.payload); err != nil {
		s.hub.metrics.UpdateRejected()
		s.logger.Warn("dropping malformed update",
			zap.String("peer_id", cmd.peerID),
			zap.Int("bytes", len(cmd.payload)),
			zap.Error(err))
		return
	}

	frame := protocol.BinaryFrame(cmd.payload)
	relayed := 0
	for peerID, peer := range s.peers {
		if peerID == cmd.peerID {
			continue
		}
		if peer.Send(frame) {
			relayed++
			continue
		}
		s.dropPeer(peerID, peer)
	}
	s.hub.metrics.FramesRelayed(relayed)

	if s.doc.Version().Equal(before) {
		return
	}
	s.dirty = true
	if !s.wakeArmed && !s.closing {
		s.armWake()
	}
}

func (s *Session) onPersistDue(cmd command) bool {
	if !s.wakeArmed || cmd.generation != s.wakeGen {
		return false
	}
	s.wakeArmed = false
	s.wakeTimer = nil
	if s.writing || s.syncing {
		s.wakeDeferred = true
		return false
	}
	if s.dirty {
		s.startWrite()
		return false
	}
	return s.advance()
}

func (s *Session) onWriteDone(cmd command) bool {
	s.writing = false
	if cmd.err != nil {
		s.dirty = true
		s.wakeDeferred = false
		s.logger.Error("document persistence failed", zap.Error(cmd.err))
		if !s.closing && !s.wakeArmed {
			s.armWake()
		}
	} else {
		s.logger.Debug("document persisted")
	}
	return s.advance()
}

func (s *Session) onSyncDone(cmd command) bool {
	s.syncing = false
	reply := protocol.ControlFrame(protocol.TypeSyncComplete)
	if cmd.err != nil {
		s.logger.Error("requested sync failed", zap.Error(cmd.err))
		reply = protocol.ControlFrame(protocol.TypeSyncFailed)
	}
	for _, peerID := range cmd.waiters {
		peer, ok := s.peers[peerID]
		if !ok {
			continue
		}
		if !peer.Send(reply) {
			s.dropPeer(peerID, peer)
		}
	}
	return s.advance()
}

func (s *Session) onIdleDue(cmd command) bool {
	if cmd.generation != s.idleGen || !s.idle() {
		return false
	}
	if !s.hub.tryEvict(s) {
		return false
	}
	s.logger.Debug("evicting idle session")
	return true
}

// advance starts the next pending unit of work once nothing is in flight.
func (s *Session) advance() bool {
	if s.writing || s.syncing {
		return false
	}
	if s.closing {
		s.finishClose()
		return true
	}
	if s.wakeDeferred {
		s.wakeDeferred = false
		if s.dirty {
			s.startWrite()
			return false
		}
	}
	if len(s.syncWaiters) > 0 {
		s.startSync()
		return false
	}
	s.armIdle()
	return false
}

func (s *Session) startWrite() {
	s.writing = true
	s.dirty = false
	state := s.doc.EncodeFullState()
	text := s.doc.ExtractPlainText()
	go func() {
		ctx, cancel := s.hub.operationContext()
		defer cancel()
		err := s.persist(ctx, state, text)
		s.post(command{kind: cmdWriteDone, err: err})
	}()
}

func (s *Session) startSync() {
	s.syncing = true
	waiters := s.syncWaiters
	s.syncWaiters = nil
	text := s.doc.ExtractPlainText()
	go func() {
		ctx, cancel := s.hub.operationContext()
		defer cancel()
		_, err := s.project(ctx, text)
		s.post(command{kind: cmdSyncDone, waiters: waiters, err: err})
	}()
}

// persist writes the full state and then projects metadata from text.
func (s *Session) persist(ctx context.Context, state []byte, text string) error {
	if err := s.hub.snapshots.Put(ctx, s.id.String(), snapshots.KeyCRDT, state); err != nil {
		s.hub.metrics.SnapshotWrite(metrics.StatusFailure)
		return fmt.Errorf("%w: snapshot: %v", ErrPersistenceFailure, err)
	}
	s.hub.metrics.SnapshotWrite(metrics.StatusSuccess)
	if _, err := s.project(ctx, text); err != nil {
		return fmt.Errorf("%w: projection: %v", ErrPersistenceFailure, err)
	}
	return nil
}

func (s *Session) project(ctx context.Context, text string) (projector.Result, error) {
	if s.hub.projector == nil {
		return projector.Result{Skipped: true}, nil
	}
	result, err := s.hub.projector.Project(ctx, s.target, text)
	switch {
	case err != nil:
		s.hub.metrics.Projection(metrics.OutcomeFailed)
	case result.Skipped:
		s.hub.metrics.Projection(metrics.OutcomeSkipped)
	default:
		s.hub.metrics.Projection(metrics.OutcomeProjected)
	}
	return result, err
}

func (s *Session) finishClose() {
	var err error
	if s.dirty {
		ctx, cancel := s.hub.operationContext()
		err = s.persist(ctx, s.doc.EncodeFullState(), s.doc.ExtractPlainText())
		cancel()
		if err != nil {
			s.logger.Error("final flush failed", zap.Error(err))
		} else {
			s.dirty = false
		}
	}
	for peerID, peer := range s.peers {
		s.dropPeer(peerID, peer)
	}
	s.err = err
	s.hub.remove(s)
	for _, reply := range s.closeReplies {
		reply <- err
	}
}

func (s *Session) dropPeer(peerID string, peer Peer) {
	if s.peers[peerID] == peer {
		delete(s.peers, peerID)
		s.hub.metrics.PeerLeft()
	}
	peer.Close()
	s.logger.Debug("peer dropped", zap.String("peer_id", peerID))
}

func (s *Session) armWake() {
	s.stopWake()
	s.cancelIdle()
	s.wakeArmed = true
	generation := s.wakeGen
	at := s.hub.scheduler.Now().Add(s.hub.persistDelay)
	s.wakeTimer = s.hub.scheduler.ScheduleWake(at, func() {
		s.post(command{kind: cmdPersistDue, generation: generation})
	})
}

func (s *Session) stopWake() {
	s.wakeGen++
	s.wakeArmed = false
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
}

func (s *Session) idle() bool {
	return len(s.peers) == 0 &&
		!s.wakeArmed &&
		!s.wakeDeferred &&
		!s.writing &&
		!s.syncing &&
		len(s.syncWaiters) == 0 &&
		!s.closing
}

func (s *Session) armIdle() {
	if !s.idle() {
		return
	}
	s.cancelIdle()
	generation := s.idleGen
	at := s.hub.scheduler.Now().Add(s.hub.idleTimeout)
	s.idleTimer = s.hub.scheduler.ScheduleWake(at, func() {
		s.post(command{kind: cmdIdleDue, generation: generation})
	})
}

func (s *Session) cancelIdle() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
