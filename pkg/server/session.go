package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
	"github.com/aretw0/mindcache/pkg/transport"
)

// ErrTooManyMalformed ends a session that keeps sending invalid frames.
var ErrTooManyMalformed = errors.New("too many malformed frames")

// Session is one authenticated connection attached to a Coordinator.
type Session struct {
	id      string
	grant   auth.Grant
	conn    transport.Conn
	coord   *Coordinator
	opts    options
	logger  *slog.Logger
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	malformed *rate.Limiter
}

func newSession(conn transport.Conn, grant auth.Grant, coord *Coordinator, o options) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		grant:   grant,
		conn:    conn,
		coord:   coord,
		opts:    o,
		logger:  o.logger.With("session", id, "instance", coord.id),
		limiter: rate.NewLimiter(o.rateLimit, o.rateBurst),
		send:    make(chan []byte, o.sendBuffer),
		done:    make(chan struct{}),

		malformed: malformedBudget(o.maxMalformed, o.malformedWin),
	}
}

// malformedBudget allows n malformed frames per window.
func malformedBudget(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

// ID returns the session id carried on the events it causes.
func (s *Session) ID() string { return s.id }

// Grant returns the credential the session authenticated with.
func (s *Session) Grant() auth.Grant { return s.grant }

// Close disconnects the session. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue queues a frame without blocking. It reports false when the
// session is closed or its queue is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) reply(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error("encode reply", "type", m.MessageType(), "error", err)
		return
	}
	if !s.enqueue(frame) && !s.Closed() {
		s.logger.Warn("send queue full, disconnecting")
		s.coord.opts.metrics.Dropped.Inc()
		s.Close()
	}
}

// run attaches the session and serves it until the connection ends.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	if err := s.coord.attach(ctx, s); err != nil {
		return err
	}
	defer s.coord.detach(s)

	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer cancel()
		return s.writeLoop(ctx)
	})
	err := s.readLoop(ctx)
	s.logger.Debug("session ended", "error", err)
	return err
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case frame := <-s.send:
			if err := s.conn.Write(ctx, frame); err != nil {
				s.Close()
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.opts.idleTimeout)
		data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			if s.Closed() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !s.limiter.Allow() {
			s.reply(protocol.ErrorFrame(protocol.ErrRateLimited, ""))
			continue
		}

		m, err := protocol.Decode(data)
		if err == nil && !protocol.IsClientMessage(m.MessageType()) {
			err = fmt.Errorf("%w: %s is a server message", protocol.ErrMalformed, m.MessageType())
		}
		if err != nil {
			if !s.malformed.Allow() {
				s.logger.Warn("closing session after repeated malformed frames", "max", s.opts.maxMalformed, "window", s.opts.malformedWin)
				return ErrTooManyMalformed
			}
			s.reply(protocol.ErrorFrame(err, ""))
			continue
		}
		s.coord.opts.metrics.FramesIn.WithLabelValues(string(m.MessageType())).Inc()

		switch f := m.(type) {
		case *protocol.Ping:
			s.reply(&protocol.Pong{})
		case *protocol.Auth:
			s.reply(protocol.ErrorFrame(&core.ValidationError{Reason: "session already authenticated"}, ""))
		default:
			if !s.grant.Permission.CanWrite() {
				err := &core.PermissionError{Key: keyOf(f), Op: string(f.MessageType()), Reason: "session is read-only"}
				s.reply(protocol.ErrorFrame(err, refOf(f)))
				s.coord.opts.metrics.Mutations.WithLabelValues(string(f.MessageType()), string(protocol.CodePermissionDenied)).Inc()
				continue
			}
			if err := s.coord.do(ctx, func() { s.coord.handle(s, f) }); err != nil {
				if errors.Is(err, core.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}
