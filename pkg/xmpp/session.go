// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package xmpp holds the single authenticated XMPP session the proxy shares
// between all HTTP requests, and the vCard fetch operation built on it.
package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	goxmpp "github.com/xmppo/go-xmpp"
	"golang.org/x/sync/singleflight"

	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/jid"
	"github.com/go-core-stack/xmpp-avatar-proxy/pkg/vcard"
)

var (
	// ErrTimeout is returned when no vCard reply arrives in time.
	ErrTimeout = errors.New("xmpp: vcard request timed out")
	// ErrSessionClosed is returned once the connection is gone.
	ErrSessionClosed = errors.New("xmpp: session closed")
)

// Conn is the subset of *goxmpp.Client the session drives. Recv must be safe
// to call from one goroutine while SendOrg is called from another.
type Conn interface {
	SendOrg(org string) (int, error)
	Recv() (interface{}, error)
	Close() error
}

// Session multiplexes vCard requests over one XMPP connection.
type Session struct {
	// conn is the authenticated stream.
	conn Conn
	// timeout bounds each fetch in addition to the caller's context.
	timeout time.Duration
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// newID generates IQ ids; replaced in tests.
	newID func() string

	// writeMu serializes stanza writes on the shared stream.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan goxmpp.IQ
	closed  bool
	err     error

	group     singleflight.Group
	done      chan struct{}
	closeOnce sync.Once
	connOnce  sync.Once
	connErr   error
}

// NewSession starts the reader loop over an already authenticated conn.
func NewSession(conn Conn, timeout time.Duration, logger zerolog.Logger) *Session {
	s := &Session{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
		pending: make(map[string]chan goxmpp.IQ),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// FetchAvatar retrieves the vCard photo of the bare form of address.
// Concurrent calls for the same bare JID share one request.
func (s *Session) FetchAvatar(ctx context.Context, address jid.JID) (vcard.Avatar, error) {
	bare := address.Bare()
	// DoChan lets each caller stop waiting on its own context while the shared
	// request runs under the session timeout.
	ch := s.group.DoChan(bare, func() (interface{}, error) {
		return s.fetch(bare)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return vcard.Avatar{}, res.Err
		}
		return res.Val.(vcard.Avatar), nil
	case <-ctx.Done():
		return vcard.Avatar{}, ctx.Err()
	}
}

func (s *Session) fetch(bare string) (vcard.Avatar, error) {
	start := time.Now()
	iq, err := s.roundTrip(bare, func(id string) string {
		return vcard.Request(id, bare)
	})
	if err != nil {
		return vcard.Avatar{}, err
	}

	s.logger.Debug().
		Str("jid", bare).
		Str("iq_type", iq.Type).
		Dur("duration", time.Since(start)).
		Msg("vcard reply received")
	return decodeReply(iq)
}

// roundTrip sends the stanza built for a fresh id and waits for the IQ reply
// carrying that id, bounded by the session timeout.
func (s *Session) roundTrip(to string, build func(id string) string) (goxmpp.IQ, error) {
	id := s.newID()
	reply := make(chan goxmpp.IQ, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return goxmpp.IQ{}, s.closedErr()
	}
	s.pending[id] = reply
	s.mu.Unlock()
	defer s.forget(id)

	if err := s.send(build(id)); err != nil {
		return goxmpp.IQ{}, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case iq := <-reply:
		return iq, nil
	case <-timer.C:
		return goxmpp.IQ{}, fmt.Errorf("%w after %s for %s", ErrTimeout, s.timeout, to)
	case <-s.done:
		return goxmpp.IQ{}, s.closedErr()
	}
}

func decodeReply(iq goxmpp.IQ) (vcard.Avatar, error) {
	switch iq.Type {
	case "result":
		return vcard.ParseResult(iq.Query)
	case "error":
		stanzaErr := vcard.ParseError(iq.Query)
		if stanzaErr.Condition == "" {
			// go-xmpp keeps the <error/> child out of IQ.Query, so the
			// condition is usually unknown. A failed vCard get then means
			// there is nothing to serve for that JID.
			return vcard.Avatar{}, fmt.Errorf("%w: iq error from %s", vcard.ErrNoAvatar, iq.From)
		}
		return vcard.Avatar{}, stanzaErr
	default:
		return vcard.Avatar{}, fmt.Errorf("xmpp: unexpected iq type %q", iq.Type)
	}
}

// KeepAlive pings server every interval with XEP-0199 pings. A ping left
// unanswered for the session timeout ends the session, so a silently dropped
// stream surfaces through Done instead of stalling every fetch. Any reply,
// including an error, counts as proof of life. A non-positive interval
// disables it.
func (s *Session) KeepAlive(interval time.Duration, server string) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.ping(server); err != nil {
					if errors.Is(err, ErrTimeout) {
						s.fail(fmt.Errorf("keepalive: %w", err))
					}
					return
				}
			}
		}
	}()
}

func (s *Session) ping(server string) error {
	start := time.Now()
	iq, err := s.roundTrip(server, func(id string) string {
		return pingRequest(id, server)
	})
	if err != nil {
		return err
	}
	s.logger.Trace().
		Str("iq_type", iq.Type).
		Dur("duration", time.Since(start)).
		Msg("keepalive ping answered")
	return nil
}

func pingRequest(id, to string) string {
	var idBuf, toBuf strings.Builder
	_ = xml.EscapeText(&idBuf, []byte(id))
	_ = xml.EscapeText(&toBuf, []byte(to))
	return fmt.Sprintf("<iq type='get' id='%s' to='%s'><ping xmlns='urn:xmpp:ping'/></iq>",
		idBuf.String(), toBuf.String())
}

func (s *Session) send(stanza string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.SendOrg(stanza); err != nil {
		s.fail(fmt.Errorf("send stanza: %w", err))
		return s.closedErr()
	}
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop owns conn.Recv for the lifetime of the session.
func (s *Session) readLoop() {
	for {
		stanza, err := s.conn.Recv()
		if err != nil {
			s.fail(fmt.Errorf("receive stanza: %w", err))
			return
		}

		switch v := stanza.(type) {
		case goxmpp.IQ:
			s.deliver(v)
		case *goxmpp.IQ:
			if v != nil {
				s.deliver(*v)
			}
		default:
			s.logger.Trace().Str("stanza", fmt.Sprintf("%T", stanza)).Msg("ignoring stanza")
		}
	}
}

func (s *Session) deliver(iq goxmpp.IQ) {
	if iq.Type != "result" && iq.Type != "error" {
		return
	}

	s.mu.Lock()
	reply, ok := s.pending[iq.ID]
	if ok {
		delete(s.pending, iq.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("id", iq.ID).Str("from", iq.From).Msg("dropping unsolicited iq reply")
		return
	}
	// Buffered with room for exactly one reply, and the id was just removed.
	reply <- iq
}

// fail records the first terminal error and wakes every waiter.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()
		close(s.done)

		if err != nil {
			s.logger.Error().Err(err).Msg("xmpp session lost")
		}
	})
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, s.err)
	}
	return ErrSessionClosed
}

// Done is closed when the session ends, by Close or by connection loss.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended; nil while it is alive or after Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream. It is safe to call more than once.
func (s *Session) Close() error {
	s.fail(nil)
	s.connOnce.Do(func() {
		s.connErr = s.conn.Close()
	})
	return s.connErr
}
