// provider.go - mixproxy service provider
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

// Package server implements the service provider: the top level loop that
// decodes inbound mix messages into typed requests, applies outbound
// filtering, spawns proxy sessions and routes responses back to peers.
package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
	"github.com/katzenpost/mixproxy/config"
	"github.com/katzenpost/mixproxy/proxy"
	"github.com/katzenpost/mixproxy/reply"
	"github.com/katzenpost/mixproxy/replystore"
)

// ErrTransportClosed is the fatal condition reported by Err after the mix
// network transport shuts down.  The proxy has no useful role without
// network connectivity, so this terminates the provider.
var ErrTransportClosed = errors.New("server: mix network transport closed")

// Since it's an atomic, it's safe to be kept static and shared across the
// process.  Advisory only.
var activeProxies int64

var activeProxiesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mixproxy_active_proxies",
	Help: "Number of proxy sessions currently being handled.",
})

// ActiveProxyCount returns the number of proxy sessions currently being
// handled across the process.
func ActiveProxyCount() int64 {
	return atomic.LoadInt64(&activeProxies)
}

// Filter is the outbound destination policy collaborator.
type Filter interface {
	// Check returns true if connections to remoteAddr are permitted.
	Check(remoteAddr string) bool
}

// StatsCollector is the traffic statistics collaborator.
type StatsCollector interface {
	Record(remoteAddr string, byteCount uint32, direction common.Direction)
}

const respChSize = 16

// Provider is the service provider instance.
type Provider struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend
	cfg        *config.Config

	transport common.Transport
	store     *replystore.Store
	filter    Filter
	stats     StatsCollector

	controller *proxy.Controller
	lanes      *proxy.LaneQueueLengths
	sessionCfg *proxy.SessionConfig
	respCh     chan *proxy.ProxiedResponse

	// connectedRemotes maps connection ids to remote addresses for
	// statistics attribution.
	connectedRemotes sync.Map

	fatalErrLock sync.Mutex
	fatalErr     error

	haltOnce sync.Once
}

// New constructs a Provider and starts all of its subsystems.  The
// transport must already be connected; stats may be nil.
func New(cfg *config.Config, transport common.Transport, store *replystore.Store, filter Filter, stats StatsCollector, logBackend *log.Backend) (*Provider, error) {
	if filter == nil && !cfg.Proxy.OpenProxy {
		return nil, errors.New("server: no outbound filter configured and not an open proxy")
	}

	p := &Provider{
		log:        logBackend.GetLogger("server"),
		logBackend: logBackend,
		cfg:        cfg,
		transport:  transport,
		store:      store,
		filter:     filter,
		stats:      stats,
		controller: proxy.NewController(logBackend),
		lanes:      proxy.NewLaneQueueLengths(),
		respCh:     make(chan *proxy.ProxiedResponse, respChSize),
	}
	p.sessionCfg = &proxy.SessionConfig{
		RespCh:             p.respCh,
		ShutdownCh:         p.HaltCh(),
		Lanes:              p.lanes,
		MaxLaneQueueLength: cfg.Proxy.MaxLaneQueueLength,
		DialTimeout:        time.Duration(cfg.Proxy.DialTimeout) * time.Second,
		LogBackend:         logBackend,
	}

	p.log.Noticef("Provider mix network address: %s", transport.Address())

	p.Go(p.responseListener)
	p.Go(p.replenishmentWorker)
	p.Go(p.worker)
	return p, nil
}

// LaneQueueLengths returns the shared egress lane tracker so the
// transport owner can publish queue depths.
func (p *Provider) LaneQueueLengths() *proxy.LaneQueueLengths {
	return p.lanes
}

func (p *Provider) setFatalErr(err error) {
	p.fatalErrLock.Lock()
	defer p.fatalErrLock.Unlock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
}

// Err returns the fatal condition that terminated the provider, nil for a
// requested shutdown.
func (p *Provider) Err() error {
	p.fatalErrLock.Lock()
	defer p.fatalErrLock.Unlock()
	return p.fatalErr
}

// Shutdown halts the provider and all of its sessions.  The controller
// closes every inbound channel and the halt channel shared through the
// session config unwinds pumps parked on the response path or a lane
// pause; outstanding close notifications are emitted best-effort.
func (p *Provider) Shutdown() {
	p.haltOnce.Do(func() {
		p.controller.Halt()
		p.Halt()
	})
}

// worker is the top level dispatch loop.  It exits, fatally, when the
// transport signals closure.
func (p *Provider) worker() {
	for {
		select {
		case <-p.HaltCh():
			p.log.Debugf("Terminating gracefully.")
			return
		default:
		}

		msgs, ok := p.transport.WaitForMessages()
		if !ok {
			select {
			case <-p.HaltCh():
				// The transport was torn down as part of a requested
				// shutdown.
				return
			default:
			}
			p.log.Errorf("Mix network transport closed, exiting")
			p.setFatalErr(ErrTransportClosed)
			go p.Shutdown()
			return
		}
		for _, m := range msgs {
			p.handleMessage(m)
		}
	}
}

func (p *Provider) handleMessage(m *common.ReconstructedMessage) {
	msg := new(common.Message)
	if err := msg.Unmarshal(m.Payload); err != nil {
		p.log.Errorf("Failed to deserialize received message: %v", err)
		return
	}

	switch msg.Type {
	case common.RequestMessage:
		req := new(common.Request)
		if err := req.Unmarshal(msg.Payload); err != nil {
			p.log.Errorf("Failed to deserialize request: %v", err)
			return
		}
		p.handleRequest(req, m.SenderTag)
	case common.ResponseMessage, common.ErrorResponseMessage, common.SurbRequestMessage, common.StatsReportMessage:
		// This role only originates responses, never consumes them.
		p.log.Debugf("Ignoring response-class message of type %d", msg.Type)
	default:
		p.log.Warningf("Ignoring message with unknown type %d", msg.Type)
	}
}

func (p *Provider) handleRequest(req *common.Request, senderTag *common.SenderTag) {
	switch req.Command {
	case common.ConnectCmd:
		cr := new(common.ConnectRequest)
		if err := cr.Unmarshal(req.Payload); err != nil {
			p.log.Errorf("Failed to deserialize connect request: %v", err)
			return
		}
		// The dial can block for the full timeout; never stall the
		// dispatch loop on it.
		p.Go(func() {
			p.handleConnect(cr, senderTag)
		})
	case common.SendCmd:
		sr := new(common.SendRequest)
		if err := sr.Unmarshal(req.Payload); err != nil {
			p.log.Errorf("Failed to deserialize send request: %v", err)
			return
		}
		p.handleSend(sr)
	default:
		p.log.Warningf("Ignoring request with unknown command %d", req.Command)
	}
}

func (p *Provider) handleSend(sr *common.SendRequest) {
	if p.stats != nil {
		if remote, ok := p.connectedRemotes.Load(sr.ConnID); ok {
			p.stats.Record(remote.(string), uint32(len(sr.Data)), common.DirectionRequest)
		}
	}
	p.controller.Send(sr.ConnID, sr.Data, sr.Close)
}

func (p *Provider) handleConnect(cr *common.ConnectRequest, senderTag *common.SenderTag) {
	returnAddress := reply.NewReturnAddress(cr.ReturnRecipient, senderTag)
	if returnAddress == nil {
		p.log.Warningf("Attempted to start connection with no way of returning data back to the sender")
		return
	}

	// First time this anonymous peer supplied its derivation address.
	if senderTag != nil && len(cr.ReturnRecipient) == common.RecipientLength {
		if err := p.store.StoreSenderTag(cr.ReturnRecipient, *senderTag); err != nil {
			p.log.Warningf("Failed to persist sender tag for %v: %v", senderTag, err)
		}
	}

	if !p.cfg.Proxy.OpenProxy && !p.filter.Check(cr.RemoteAddr) {
		reason := fmt.Sprintf("destination %q failed the filter check", cr.RemoteAddr)
		p.log.Infof("%s", reason)
		msg, err := (&common.ErrorResponse{ConnID: cr.ConnID, Message: reason}).IntoMessage()
		if err != nil {
			p.log.Errorf("Failed to serialize filter rejection: %v", err)
			return
		}
		p.emitResponse(&proxy.ProxiedResponse{
			ConnID:        cr.ConnID,
			Message:       msg,
			ReturnAddress: returnAddress,
		})
		return
	}

	inbound := channels.NewInfiniteChannel()
	sess, err := proxy.DialSession(cr.ConnID, cr.RemoteAddr, returnAddress, inbound, p.sessionCfg)
	if err != nil {
		p.log.Errorf("Error while connecting to %q: %v", cr.RemoteAddr, err)
		inbound.Close()

		// Inform the peer that the connection is closed before it even
		// was established, so it never hangs waiting.
		msg, mErr := (&common.Response{ConnID: cr.ConnID, Close: true}).IntoMessage()
		if mErr != nil {
			p.log.Errorf("Failed to serialize synthetic close: %v", mErr)
			return
		}
		p.emitResponse(&proxy.ProxiedResponse{
			ConnID:        cr.ConnID,
			Message:       msg,
			ReturnAddress: returnAddress,
		})
		return
	}

	// Connect implies it's a fresh connection - register it.
	p.controller.Insert(cr.ConnID, inbound)
	p.connectedRemotes.Store(cr.ConnID, cr.RemoteAddr)

	active := atomic.AddInt64(&activeProxies, 1)
	activeProxiesGauge.Set(float64(active))
	p.log.Infof("Starting proxy for %s (currently there are %d proxies being handled)", cr.RemoteAddr, active)

	sess.RunProxy()

	p.controller.Remove(cr.ConnID)
	p.connectedRemotes.Delete(cr.ConnID)
	active = atomic.AddInt64(&activeProxies, -1)
	activeProxiesGauge.Set(float64(active))
	p.log.Infof("Proxy for %s is finished (currently there are %d proxies being handled)", cr.RemoteAddr, active)
}

func (p *Provider) emitResponse(env *proxy.ProxiedResponse) {
	select {
	case p.respCh <- env:
	case <-p.HaltCh():
	}
}

// responseListener forwards response frames from sessions back into the
// mix network, consuming reply credentials for anonymous peers.
func (p *Provider) responseListener() {
	for {
		var env *proxy.ProxiedResponse
		select {
		case <-p.HaltCh():
			p.log.Debugf("Terminating gracefully.")
			return
		case env = <-p.respCh:
		}

		if p.stats != nil && env.Message.Type == common.ResponseMessage {
			if remote, ok := p.connectedRemotes.Load(env.ConnID); ok {
				p.stats.Record(remote.(string), uint32(len(env.Message.Payload)), common.DirectionResponse)
			}
		}

		b, err := env.Message.Marshal()
		if err != nil {
			p.log.Errorf("Failed to serialize response frame: %v", err)
			continue
		}

		out, err := env.ReturnAddress.WrapResponse(b, p.store)
		switch {
		case err == nil:
		case errors.Is(err, reply.ErrNoReplyCredentials):
			// Replenishment was already signaled by the store; the
			// response is dropped once, not retried.
			p.log.Warningf("Dropping response for connection %d: %v", env.ConnID, err)
			continue
		default:
			p.log.Errorf("Failed to wrap response for connection %d: %v", env.ConnID, err)
			continue
		}

		if err := p.transport.SendMessage(out); err != nil {
			p.log.Errorf("Failed to send response for connection %d: %v", env.ConnID, err)
		}
	}
}

// replenishmentWorker turns the store's pool threshold signals into SURB
// requests sent to the anonymous peers that own the pools.
func (p *Provider) replenishmentWorker() {
	signals := p.store.ReplenishmentSignals()
	for {
		var tag common.SenderTag
		select {
		case <-p.HaltCh():
			p.log.Debugf("Terminating gracefully.")
			return
		case tag = <-signals:
		}

		count, err := p.store.SurbCount(tag)
		if err != nil {
			p.log.Errorf("Failed to read pool size for %v: %v", tag, err)
			continue
		}
		want := p.store.Thresholds().MaxSurbThreshold - uint32(count)
		if want == 0 {
			continue
		}

		msg, err := (&common.SurbRequest{Tag: tag, Count: want}).IntoMessage()
		if err != nil {
			p.log.Errorf("Failed to serialize SURB request: %v", err)
			continue
		}
		b, err := msg.Marshal()
		if err != nil {
			p.log.Errorf("Failed to serialize SURB request: %v", err)
			continue
		}

		// Requesting more credentials itself consumes one; if none are
		// left, all we can do is wait for the peer to send some on its
		// own initiative.
		out, err := reply.NewReturnAddress(nil, &tag).WrapResponse(b, p.store)
		if err != nil {
			p.log.Warningf("Cannot request replenishment for %v: %v", tag, err)
			continue
		}
		if err := p.transport.SendMessage(out); err != nil {
			p.log.Errorf("Failed to send SURB request for %v: %v", tag, err)
			continue
		}
		p.log.Debugf("Requested %d additional SURBs for %v", want, tag)
	}
}
