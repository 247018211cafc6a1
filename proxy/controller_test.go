// controller_test.go - connection controller tests
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
	"testing"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"
	"gopkg.in/eapache/channels.v1"

	"github.com/katzenpost/mixproxy/common"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return NewController(logBackend)
}

func receiveSend(t *testing.T, ch *channels.InfiniteChannel) *SessionSend {
	t.Helper()
	select {
	case raw, ok := <-ch.Out():
		require.True(t, ok)
		return raw.(*SessionSend)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a session send")
	}
	return nil
}

func waitClosed(t *testing.T, ch *channels.InfiniteChannel) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw, ok := <-ch.Out():
			if !ok {
				return
			}
			_ = raw
		case <-deadline:
			t.Fatal("timed out waiting for the channel to close")
		}
	}
}

func TestControllerSendOrdering(t *testing.T) {
	require := require.New(t)
	c := newTestController(t)
	defer c.Halt()

	ch := channels.NewInfiniteChannel()
	c.Insert(1, ch)

	c.Send(1, []byte("first"), false)
	c.Send(1, []byte("second"), false)
	c.Send(1, nil, true)

	require.Equal([]byte("first"), receiveSend(t, ch).Data)
	require.Equal([]byte("second"), receiveSend(t, ch).Data)
	require.True(receiveSend(t, ch).Close)
}

func TestControllerUnknownConnection(t *testing.T) {
	require := require.New(t)
	c := newTestController(t)
	defer c.Halt()

	// Sends and removes for unknown ids must not wedge or crash the
	// worker; the controller keeps serving afterwards.
	c.Send(42, []byte("into the void"), false)
	c.Remove(42)

	ch := channels.NewInfiniteChannel()
	c.Insert(7, ch)
	c.Send(7, []byte("still alive"), false)
	require.Equal([]byte("still alive"), receiveSend(t, ch).Data)
}

func TestControllerActiveConnections(t *testing.T) {
	require := require.New(t)
	c := newTestController(t)
	defer c.Halt()

	require.Empty(c.ActiveConnections())

	c.Insert(1, channels.NewInfiniteChannel())
	c.Insert(2, channels.NewInfiniteChannel())
	ids := c.ActiveConnections()
	require.ElementsMatch([]common.ConnectionID{1, 2}, ids)

	c.Remove(1)
	ids = c.ActiveConnections()
	require.Equal([]common.ConnectionID{2}, ids)
}

func TestControllerRemoveClosesChannel(t *testing.T) {
	c := newTestController(t)
	defer c.Halt()

	ch := channels.NewInfiniteChannel()
	c.Insert(3, ch)
	c.Remove(3)
	waitClosed(t, ch)
}

func TestControllerDuplicateInsertReplacesEntry(t *testing.T) {
	require := require.New(t)
	c := newTestController(t)
	defer c.Halt()

	stale := channels.NewInfiniteChannel()
	fresh := channels.NewInfiniteChannel()
	c.Insert(5, stale)
	c.Insert(5, fresh)

	// The stale session's channel is closed so it terminates, and sends
	// go to the fresh entry.
	waitClosed(t, stale)
	c.Send(5, []byte("to the fresh one"), false)
	require.Equal([]byte("to the fresh one"), receiveSend(t, fresh).Data)
}

func TestControllerHaltClosesAllChannels(t *testing.T) {
	require := require.New(t)
	c := newTestController(t)

	ch1 := channels.NewInfiniteChannel()
	ch2 := channels.NewInfiniteChannel()
	c.Insert(1, ch1)
	c.Insert(2, ch2)

	c.Halt()
	waitClosed(t, ch1)
	waitClosed(t, ch2)

	// Post-halt operations are silently dropped.
	c.Send(1, []byte("too late"), false)
	c.Remove(2)
	require.Nil(c.ActiveConnections())
}
