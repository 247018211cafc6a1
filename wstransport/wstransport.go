// wstransport.go - websocket bridge to a local mix client daemon
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

// Package wstransport implements the mix network transport over a
// websocket connection to a colocated mix client daemon.  The daemon owns
// the actual mix network session; this bridge only shuttles plaintext
// envelopes.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
)

const sendTimeout = 30 * time.Second

// serverFrame is one frame received from the client daemon.  The first
// frame after connecting carries Address; subsequent frames carry message
// batches and optionally lane queue length updates.
type serverFrame struct {
	Address  string
	Messages []*common.ReconstructedMessage
	Lanes    map[common.ConnectionID]int
}

// LaneSink receives lane queue length updates pushed by the daemon.
type LaneSink interface {
	Set(id common.ConnectionID, length int)
}

// Transport is a common.Transport over a local websocket.
type Transport struct {
	log     *logging.Logger
	conn    *websocket.Conn
	address string

	lanesLock sync.Mutex
	lanes     LaneSink
}

// Dial connects to the client daemon at wsURL and performs the hello
// handshake.
func Dial(ctx context.Context, wsURL string, logBackend *log.Backend) (*Transport, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", wsURL, err)
	}
	// Batches can be large and the daemon is trusted.
	conn.SetReadLimit(-1)

	t := &Transport{
		log:  logBackend.GetLogger("wstransport"),
		conn: conn,
	}

	hello, err := t.readFrame(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("wstransport: hello: %w", err)
	}
	if hello.Address == "" {
		conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, errors.New("wstransport: hello frame missing address")
	}
	t.address = hello.Address
	return t, nil
}

// SetLaneSink wires lane queue length updates into the proxy's shared
// tracker.
func (t *Transport) SetLaneSink(lanes LaneSink) {
	t.lanesLock.Lock()
	defer t.lanesLock.Unlock()
	t.lanes = lanes
}

func (t *Transport) laneSink() LaneSink {
	t.lanesLock.Lock()
	defer t.lanesLock.Unlock()
	return t.lanes
}

// Address implements common.Transport.
func (t *Transport) Address() string {
	return t.address
}

func (t *Transport) readFrame(ctx context.Context) (*serverFrame, error) {
	_, b, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	frame := new(serverFrame)
	if err := cbor.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WaitForMessages implements common.Transport.  Lane-only frames are
// absorbed here; only frames carrying messages wake the caller.
func (t *Transport) WaitForMessages() ([]*common.ReconstructedMessage, bool) {
	for {
		frame, err := t.readFrame(context.Background())
		if err != nil {
			t.log.Errorf("Read failure, assuming connection closed: %v", err)
			return nil, false
		}

		if lanes := t.laneSink(); lanes != nil {
			for id, length := range frame.Lanes {
				lanes.Set(id, length)
			}
		}
		if len(frame.Messages) > 0 {
			return frame.Messages, true
		}
	}
}

// SendMessage implements common.Transport.
func (t *Transport) SendMessage(m *common.OutgoingMessage) error {
	b, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageBinary, b)
}

// Close tears down the websocket; a blocked WaitForMessages returns
// false.
func (t *Transport) Close() {
	t.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
