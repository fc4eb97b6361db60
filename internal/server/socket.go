package server

import (
	"context"
	"sync"
	"time"

	"github.com/e-jigsaw/l1nk/internal/protocol"
	"github.com/e-jigsaw/l1nk/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// socketPeer adapts a websocket connection to session.Peer. Frames are queued
// on a bounded buffer drained by writePump; a full buffer reports the peer as
// unable to keep up.
type socketPeer struct {
	id       string
	conn     *websocket.Conn
	outbound chan protocol.Frame
	done     chan struct{}
	logger   *zap.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newSocketPeer(conn *websocket.Conn, buffer int, logger *zap.Logger) *socketPeer {
	id := uuid.NewString()
	return &socketPeer{
		id:       id,
		conn:     conn,
		outbound: make(chan protocol.Frame, buffer),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("peer_id", id)),
	}
}

func (p *socketPeer) ID() string {
	return p.id
}

func (p *socketPeer) Send(frame protocol.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.outbound <- frame:
		return true
	default:
		p.logger.Warn("outbound buffer full")
		return false
	}
}

func (p *socketPeer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *socketPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case frame := <-p.outbound:
			if err := p.write(frame); err != nil {
				p.logger.Debug("write failed", zap.Error(err))
				p.Close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Debug("ping failed", zap.Error(err))
				p.Close()
				return
			}
		case <-p.done:
			p.drain()
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before Close so a shutdown does not cut off the
// final updates.
func (p *socketPeer) drain() {
	for {
		select {
		case frame := <-p.outbound:
			if err := p.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *socketPeer) write(frame protocol.Frame) error {
	messageType := websocket.BinaryMessage
	if frame.Kind == protocol.FrameText {
		messageType = websocket.TextMessage
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, frame.Payload)
}

// readLoop forwards inbound frames to the session until the connection drops
// or the session stops accepting commands.
func (p *socketPeer) readLoop(ctx context.Context, handle *session.Handle) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var frame protocol.Frame
		switch messageType {
		case websocket.BinaryMessage:
			frame = protocol.BinaryFrame(payload)
		case websocket.TextMessage:
			frame = protocol.Frame{Kind: protocol.FrameText, Payload: payload}
		default:
			continue
		}
		if err := handle.Submit(ctx, frame); err != nil {
			p.logger.Debug("session rejected frame", zap.Error(err))
			return
		}
	}
}
