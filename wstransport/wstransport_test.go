// wstransport_test.go - websocket transport tests
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

package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixproxy/common"
	"github.com/katzenpost/mixproxy/proxy"
)

// fakeDaemon is an in-process stand-in for the mix client daemon.
type fakeDaemon struct {
	url      string
	frames   chan *serverFrame
	received chan *common.OutgoingMessage
}

func startFakeDaemon(t *testing.T, helloAddress string) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{
		frames:   make(chan *serverFrame, 16),
		received: make(chan *common.OutgoingMessage, 16),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		hello, err := cbor.Marshal(&serverFrame{Address: helloAddress})
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
			return
		}

		// Reader side: decode everything the transport sends.
		go func() {
			for {
				_, b, err := conn.Read(ctx)
				if err != nil {
					return
				}
				out := new(common.OutgoingMessage)
				if cbor.Unmarshal(b, out) == nil {
					d.received <- out
				}
			}
		}()

		for frame := range d.frames {
			b, err := cbor.Marshal(frame)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(d.frames) })

	d.url = strings.Replace(srv.URL, "http", "ws", 1)
	return d
}

func testLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return logBackend
}

func TestDialHandshake(t *testing.T) {
	require := require.New(t)

	d := startFakeDaemon(t, "provider mix address")
	tr, err := Dial(context.Background(), d.url, testLogBackend(t))
	require.NoError(err)
	defer tr.Close()

	require.Equal("provider mix address", tr.Address())
}

func TestDialRejectsMissingHelloAddress(t *testing.T) {
	require := require.New(t)

	d := startFakeDaemon(t, "")
	_, err := Dial(context.Background(), d.url, testLogBackend(t))
	require.Error(err)
}

func TestWaitForMessagesAbsorbsLaneFrames(t *testing.T) {
	require := require.New(t)

	d := startFakeDaemon(t, "provider mix address")
	tr, err := Dial(context.Background(), d.url, testLogBackend(t))
	require.NoError(err)
	defer tr.Close()

	lanes := proxy.NewLaneQueueLengths()
	tr.SetLaneSink(lanes)

	// A lane-only frame must not wake the caller; the following message
	// frame does, carrying the earlier lane update with it.
	d.frames <- &serverFrame{Lanes: map[common.ConnectionID]int{4: 11}}
	d.frames <- &serverFrame{
		Messages: []*common.ReconstructedMessage{{Payload: []byte("hello")}},
		Lanes:    map[common.ConnectionID]int{4: 12},
	}

	msgs, ok := tr.WaitForMessages()
	require.True(ok)
	require.Len(msgs, 1)
	require.Equal([]byte("hello"), msgs[0].Payload)
	require.Equal(12, lanes.Get(4))
}

func TestWaitForMessagesReportsClosure(t *testing.T) {
	require := require.New(t)

	d := startFakeDaemon(t, "provider mix address")
	tr, err := Dial(context.Background(), d.url, testLogBackend(t))
	require.NoError(err)

	done := make(chan bool, 1)
	go func() {
		_, ok := tr.WaitForMessages()
		done <- ok
	}()

	tr.Close()
	select {
	case ok := <-done:
		require.False(ok)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForMessages did not observe the closure")
	}
}

func TestSendMessage(t *testing.T) {
	require := require.New(t)

	d := startFakeDaemon(t, "provider mix address")
	tr, err := Dial(context.Background(), d.url, testLogBackend(t))
	require.NoError(err)
	defer tr.Close()

	want := &common.OutgoingMessage{
		Recipient: []byte("someone"),
		Payload:   []byte("response bytes"),
	}
	require.NoError(tr.SendMessage(want))

	select {
	case got := <-d.received:
		require.Equal(want.Recipient, got.Recipient)
		require.Equal(want.Payload, got.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("the daemon never received the message")
	}
}
