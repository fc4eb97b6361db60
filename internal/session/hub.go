package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e-jigsaw/l1nk/internal/metrics"
	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/e-jigsaw/l1nk/internal/projector"
	"github.com/e-jigsaw/l1nk/internal/protocol"
	"github.com/e-jigsaw/l1nk/internal/snapshots"
	"go.uber.org/zap"
)

const (
	// DefaultPersistDelay is the trailing debounce between the first unpersisted
	// update and the snapshot write.
	DefaultPersistDelay = 60 * time.Second
	// DefaultIdleTimeout is how long a session without peers or pending work
	// stays resident.
	DefaultIdleTimeout = 5 * time.Minute

	defaultOperationTimeout = 10 * time.Second
	inboxSize               = 64
)

var (
	// ErrHubClosed indicates that the hub no longer accepts joins.
	ErrHubClosed = errors.New("session: hub closed")
	// ErrSessionClosed indicates that the session stopped before the command ran.
	ErrSessionClosed = errors.New("session: session closed")
	// ErrHydrationFailed indicates that durable state could not be loaded.
	ErrHydrationFailed = errors.New("session: hydration failed")
	// ErrPersistenceFailure wraps snapshot and relational write failures.
	ErrPersistenceFailure = errors.New("session: persistence failure")
	// ErrInvalidPeer indicates a nil peer or a peer without an id.
	ErrInvalidPeer = errors.New("session: invalid peer")
	// ErrMissingSnapshots indicates that the hub was configured without a store.
	ErrMissingSnapshots = errors.New("session: snapshot store is required")
)

// PageReader resolves the relational page a document projects to.
type PageReader interface {
	GetPage(ctx context.Context, pageID pages.PageID) (*pages.Page, error)
}

// MetadataProjector writes derived metadata for a page.
type MetadataProjector interface {
	Project(ctx context.Context, pageID pages.PageID, plainText string) (projector.Result, error)
}

// HubConfig describes the collaborators shared by every session.
type HubConfig struct {
	Snapshots        snapshots.Store
	Pages            PageReader
	Projector        MetadataProjector
	Scheduler        Scheduler
	Metrics          *metrics.Collector
	Logger           *zap.Logger
	PersistDelay     time.Duration
	IdleTimeout      time.Duration
	OperationTimeout time.Duration
}

// Hub maps document ids to resident sessions. The lock guards the registry
// only; session state is owned by each session goroutine.
type Hub struct {
	snapshots        snapshots.Store
	pages            PageReader
	projector        MetadataProjector
	scheduler        Scheduler
	metrics          *metrics.Collector
	logger           *zap.Logger
	persistDelay     time.Duration
	idleTimeout      time.Duration
	operationTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[pages.PageID]*Session
	closed   bool
}

// NewHub validates cfg and returns an empty hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Snapshots == nil {
		return nil, ErrMissingSnapshots
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewSystemScheduler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	persistDelay := cfg.PersistDelay
	if persistDelay <= 0 {
		persistDelay = DefaultPersistDelay
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	operationTimeout := cfg.OperationTimeout
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Hub{
		snapshots:        cfg.Snapshots,
		pages:            cfg.Pages,
		projector:        cfg.Projector,
		scheduler:        scheduler,
		metrics:          cfg.Metrics,
		logger:           logger,
		persistDelay:     persistDelay,
		idleTimeout:      idleTimeout,
		operationTimeout: operationTimeout,
		baseCtx:          baseCtx,
		cancel:           cancel,
		sessions:         make(map[pages.PageID]*Session),
	}, nil
}

// Join attaches peer to the session of pageID, hydrating it when it is not
// resident. The peer receives the full document state before any relayed
// update.
func (h *Hub) Join(ctx context.Context, pageID pages.PageID, peer Peer) (*Handle, error) {
	if peer == nil || peer.ID() == "" {
		return nil, ErrInvalidPeer
	}
	session, err := h.acquire(pageID)
	if err != nil {
		return nil, err
	}
	reply := make(chan error, 1)
	if err := session.send(ctx, command{kind: cmdJoin, peer: peer, peerID: peer.ID(), reply: reply}); err != nil {
		h.release(session)
		return nil, err
	}
	select {
	case err = <-reply:
	case <-session.done:
		select {
		case err = <-reply:
		default:
			err = session.exitErr()
		}
	}
	if err != nil {
		h.release(session)
		return nil, err
	}
	return &Handle{hub: h, session: session, peer: peer}, nil
}

// Resident reports whether a session for pageID is in memory.
func (h *Hub) Resident(pageID pages.PageID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[pageID]
	return ok
}

// Len returns the number of resident sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops accepting joins, flushes every resident session and closes its
// peers.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	resident := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		resident = append(resident, session)
	}
	h.mu.Unlock()

	var errs []error
	for _, session := range resident {
		if err := session.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", session.id, err))
		}
	}
	h.cancel()
	if len(errs) > 0 {
		h.logger.Error("session flush failed on shutdown", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

func (h *Hub) acquire(pageID pages.PageID) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	session, ok := h.sessions[pageID]
	if !ok {
		session = newSession(h, pageID)
		h.sessions[pageID] = session
		h.metrics.SessionOpened()
		go session.run()
	}
	session.refs++
	return session, nil
}

func (h *Hub) release(session *Session) {
	h.mu.Lock()
	session.refs--
	h.mu.Unlock()
}

// tryEvict removes an idle session unless a join holds a reference to it.
func (h *Hub) tryEvict(session *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session.refs > 0 {
		return false
	}
	if h.sessions[session.id] == session {
		delete(h.sessions, session.id)
	}
	return true
}

func (h *Hub) remove(session *Session) {
	h.mu.Lock()
	if h.sessions[session.id] == session {
		delete(h.sessions, session.id)
	}
	h.mu.Unlock()
}

func (h *Hub) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.baseCtx, h.operationTimeout)
}

// Handle is one peer's membership in a session.
type Handle struct {
	hub       *Hub
	session   *Session
	peer      Peer
	leaveOnce sync.Once
}

// Submit forwards an inbound frame to the session. Binary frames are CRDT
// updates; text frames other than known control verbs are ignored.
func (c *Handle) Submit(ctx context.Context, frame protocol.Frame) error {
	switch frame.Kind {
	case protocol.FrameBinary:
		return c.session.send(ctx, command{kind: cmdUpdate, peerID: c.peer.ID(), payload: frame.Payload})
	case protocol.FrameText:
		message, err := protocol.ParseControl(frame.Payload)
		if err != nil {
			return nil
		}
		if message.Type == protocol.TypeSync {
			return c.session.send(ctx, command{kind: cmdSync, peerID: c.peer.ID()})
		}
	}
	return nil
}

// Leave detaches the peer. It is safe to call more than once.
func (c *Handle) Leave() {
	c.leaveOnce.Do(func() {
		_ = c.session.send(context.Background(), command{kind: cmdLeave, peer: c.peer, peerID: c.peer.ID()})
		c.hub.release(c.session)
	})
}
