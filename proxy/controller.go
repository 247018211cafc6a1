// controller.go - active connection controller
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

// Package proxy implements the per-connection proxy sessions bridging mix
// network peers to TCP endpoints, and the controller that owns the
// mapping from connection ids to live sessions.
package proxy

import (
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
)

// SessionSend is one ordered unit of inbound mix data forwarded to a
// session.
type SessionSend struct {
	Data  []byte
	Close bool
}

type opInsert struct {
	id common.ConnectionID
	ch *channels.InfiniteChannel
}

type opRemove struct {
	id common.ConnectionID
}

type opSend struct {
	id    common.ConnectionID
	data  []byte
	close bool
}

type opActiveConnections struct {
	respCh chan []common.ConnectionID
}

// Controller is the single owner of all live session channels.  All
// mutation happens on one goroutine fed by an ordered op channel, so no
// two commands for the same connection id can be reordered.
type Controller struct {
	worker.Worker

	log   *logging.Logger
	ops   *channels.InfiniteChannel
	conns map[common.ConnectionID]*channels.InfiniteChannel
}

// NewController creates a Controller and starts its worker.
func NewController(logBackend *log.Backend) *Controller {
	c := &Controller{
		log:   logBackend.GetLogger("proxy/controller"),
		ops:   channels.NewInfiniteChannel(),
		conns: make(map[common.ConnectionID]*channels.InfiniteChannel),
	}
	c.Go(c.worker)
	return c
}

// Insert registers the inbound channel for a fresh connection.  A
// duplicate id replaces the previous entry, closing its channel so the
// stale session terminates.
func (c *Controller) Insert(id common.ConnectionID, ch *channels.InfiniteChannel) {
	c.submit(&opInsert{id: id, ch: ch})
}

// Remove deregisters a connection and closes its inbound channel.
// Removing an unknown id is a no-op.
func (c *Controller) Remove(id common.ConnectionID) {
	c.submit(&opRemove{id: id})
}

// Send forwards data (and optionally a close signal) to the session
// registered for id.  Sends for unknown ids are dropped with a warning;
// the remote closing while a send was in flight is an expected race.
func (c *Controller) Send(id common.ConnectionID, data []byte, close bool) {
	c.submit(&opSend{id: id, data: data, close: close})
}

// ActiveConnections returns the ids of all registered connections.  It
// returns nil if the controller has been halted.
func (c *Controller) ActiveConnections() []common.ConnectionID {
	respCh := make(chan []common.ConnectionID, 1)
	c.submit(&opActiveConnections{respCh: respCh})
	select {
	case ids := <-respCh:
		return ids
	case <-c.HaltCh():
		return nil
	}
}

func (c *Controller) worker() {
	defer func() {
		for id, ch := range c.conns {
			ch.Close()
			delete(c.conns, id)
		}
	}()

	for {
		var raw interface{}
		var ok bool
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case raw, ok = <-c.ops.Out():
			if !ok {
				return
			}
		}

		switch op := raw.(type) {
		case *opInsert:
			if old, ok := c.conns[op.id]; ok {
				c.log.Warningf("Replacing existing entry for connection %d", op.id)
				old.Close()
			}
			c.conns[op.id] = op.ch
		case *opRemove:
			if ch, ok := c.conns[op.id]; ok {
				ch.Close()
				delete(c.conns, op.id)
			}
		case *opSend:
			ch, ok := c.conns[op.id]
			if !ok {
				c.log.Warningf("Dropping send for unknown connection %d", op.id)
				continue
			}
			ch.In() <- &SessionSend{Data: op.data, Close: op.close}
		case *opActiveConnections:
			ids := make([]common.ConnectionID, 0, len(c.conns))
			for id := range c.conns {
				ids = append(ids, id)
			}
			op.respCh <- ids
		default:
			c.log.Errorf("Received unknown op type %T", raw)
		}
	}
}

// submit enqueues an op unless the controller has been halted.  The op
// channel is deliberately never closed; ops racing a halt are simply
// never consumed.
func (c *Controller) submit(op interface{}) {
	select {
	case <-c.HaltCh():
	default:
		c.ops.In() <- op
	}
}
