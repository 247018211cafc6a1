// session.go - per-connection proxy session engine
// Copyright (C) 2024  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
	"github.com/katzenpost/mixproxy/reply"
)

const (
	// DefaultDialTimeout bounds the Connecting state.
	DefaultDialTimeout = 10 * time.Second

	// DefaultMaxLaneQueueLength is the egress queue depth above which a
	// session pauses reading from its TCP socket.
	DefaultMaxLaneQueueLength = 20

	// readBufferSize is the largest response frame payload.
	readBufferSize = 1452

	// closeNotifyTimeout bounds the best-effort close notification
	// emitted while the response path is saturated or shutting down.
	closeNotifyTimeout = 2 * time.Second

	// lanePausePollInterval is how often a backpressured session rechecks
	// its lane queue length.
	lanePausePollInterval = 100 * time.Millisecond
)

// ProxiedResponse is a response frame paired with the return routing
// needed to deliver it.
type ProxiedResponse struct {
	ConnID        common.ConnectionID
	Message       *common.Message
	ReturnAddress *reply.ReturnAddress
}

// SessionConfig collects the collaborators a Session needs.
type SessionConfig struct {
	// RespCh is where response frames are emitted.
	RespCh chan<- *ProxiedResponse

	// ShutdownCh, once closed, unwinds every session sharing this
	// config even when nobody is draining RespCh anymore.  May be nil.
	ShutdownCh <-chan interface{}

	// Lanes is the shared egress queue length tracker, may be nil.
	Lanes *LaneQueueLengths

	// MaxLaneQueueLength overrides DefaultMaxLaneQueueLength when
	// positive.
	MaxLaneQueueLength int

	// DialTimeout overrides DefaultDialTimeout when positive.
	DialTimeout time.Duration

	LogBackend *log.Backend
}

// Session pumps bytes between one TCP socket and the mix network for a
// single logical connection.
type Session struct {
	worker.Worker

	log *logging.Logger
	cfg *SessionConfig

	id            common.ConnectionID
	remoteAddr    string
	returnAddress *reply.ReturnAddress

	conn    net.Conn
	inbound *channels.InfiniteChannel

	closeOnce sync.Once
}

// DialSession attempts the outbound TCP connection for a fresh proxied
// connection.  A dial failure is returned to the caller, who must emit
// the synthetic close frame so the peer learns of the failure instead of
// hanging.
func DialSession(id common.ConnectionID, remoteAddr string, returnAddress *reply.ReturnAddress, inbound *channels.InfiniteChannel, cfg *SessionConfig) (*Session, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", remoteAddr)
	if err != nil {
		return nil, err
	}

	return &Session{
		log:           cfg.LogBackend.GetLogger("proxy/session"),
		cfg:           cfg,
		id:            id,
		remoteAddr:    remoteAddr,
		returnAddress: returnAddress,
		conn:          conn,
		inbound:       inbound,
	}, nil
}

// RemoteAddr returns the dialed remote address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// shutdownCh returns the shared shutdown channel, nil when the owner
// never provided one.  A nil channel blocks forever in a select, which
// leaves the per-session HaltCh as the only cancellation source.
func (s *Session) shutdownCh() <-chan interface{} {
	return s.cfg.ShutdownCh
}

// RunProxy pumps both directions until the connection closes, the peer
// sends a close flag, or the session is halted.  It guarantees exactly
// one close-flagged response frame is emitted, then returns.  The caller
// deregisters the session from the controller afterwards.
func (s *Session) RunProxy() {
	var pumps sync.WaitGroup
	pumps.Add(2)

	// Unblock the socket pumps when the session is halted.  The done
	// channel stops the watcher when the pumps finish on their own.
	done := make(chan struct{})
	s.Go(func() {
		select {
		case <-s.HaltCh():
			s.conn.Close()
		case <-s.shutdownCh():
			s.conn.Close()
		case <-done:
		}
	})

	go func() {
		defer pumps.Done()
		s.inboundWorker()
	}()
	go func() {
		defer pumps.Done()
		s.outboundWorker()
	}()

	pumps.Wait()
	close(done)
	s.conn.Close()
	s.signalClosed()
	if s.cfg.Lanes != nil {
		s.cfg.Lanes.Forget(s.id)
	}
}

// signalClosed emits the session's single closing response frame.  Both
// directions may close concurrently; the sync.Once deduplicates.  The
// send is best-effort bounded so a saturated response path cannot wedge
// shutdown.
func (s *Session) signalClosed() {
	s.closeOnce.Do(func() {
		msg, err := (&common.Response{ConnID: s.id, Close: true}).IntoMessage()
		if err != nil {
			s.log.Errorf("Failed to serialize close notification for connection %d: %v", s.id, err)
			return
		}
		env := &ProxiedResponse{
			ConnID:        s.id,
			Message:       msg,
			ReturnAddress: s.returnAddress,
		}
		select {
		case s.cfg.RespCh <- env:
		case <-time.After(closeNotifyTimeout):
			s.log.Warningf("Timed out emitting close notification for connection %d", s.id)
		}
	})
}

// inboundWorker applies ordered mix network data to the TCP socket.
func (s *Session) inboundWorker() {
	defer s.conn.Close()

	for {
		var raw interface{}
		var ok bool
		select {
		case <-s.HaltCh():
			return
		case <-s.shutdownCh():
			return
		case raw, ok = <-s.inbound.Out():
			if !ok {
				// Controller closed our channel; we were deregistered.
				return
			}
		}

		send := raw.(*SessionSend)
		if len(send.Data) > 0 {
			if _, err := s.conn.Write(send.Data); err != nil {
				s.log.Debugf("Connection %d write failure: %v", s.id, err)
				return
			}
		}
		if send.Close {
			s.log.Debugf("Connection %d closed by the peer", s.id)
			return
		}
	}
}

// outboundWorker reads the TCP socket and emits response frames, pausing
// while the connection's egress lane is saturated.
func (s *Session) outboundWorker() {
	defer s.conn.Close()

	maxQueue := s.cfg.MaxLaneQueueLength
	if maxQueue <= 0 {
		maxQueue = DefaultMaxLaneQueueLength
	}

	buf := make([]byte, readBufferSize)
	for {
		if !s.waitForLane(maxQueue) {
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			msg, mErr := (&common.Response{ConnID: s.id, Data: data}).IntoMessage()
			if mErr != nil {
				s.log.Errorf("Failed to serialize response for connection %d: %v", s.id, mErr)
				return
			}
			env := &ProxiedResponse{
				ConnID:        s.id,
				Message:       msg,
				ReturnAddress: s.returnAddress,
			}
			select {
			case s.cfg.RespCh <- env:
			case <-s.HaltCh():
				return
			case <-s.shutdownCh():
				return
			}
		}
		if err != nil {
			// EOF and reset both mean the remote is finished.
			s.log.Debugf("Connection %d remote closed: %v", s.id, err)
			return
		}
	}
}

// waitForLane blocks while the egress lane for this connection is deeper
// than maxQueue.  It returns false if the session was halted while
// waiting.
func (s *Session) waitForLane(maxQueue int) bool {
	if s.cfg.Lanes == nil {
		return true
	}
	for s.cfg.Lanes.Get(s.id) > maxQueue {
		select {
		case <-s.HaltCh():
			return false
		case <-s.shutdownCh():
			return false
		case <-time.After(lanePausePollInterval):
		}
	}
	return true
}
