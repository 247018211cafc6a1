// return_address_test.go - response routing tests
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

package reply

import (
	"errors"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixproxy/common"
)

type fakeCredentialSource struct {
	surbs map[common.SenderTag][][]byte
	err   error
}

func (f *fakeCredentialSource) ReserveSurb(tag common.SenderTag) ([]byte, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	pool := f.surbs[tag]
	if len(pool) == 0 {
		return nil, false, nil
	}
	surb := pool[0]
	f.surbs[tag] = pool[1:]
	return surb, true, nil
}

func randomTag(t *testing.T) common.SenderTag {
	t.Helper()
	b := make([]byte, common.SenderTagLength)
	_, err := rand.Reader.Read(b)
	require.NoError(t, err)
	tag, err := common.SenderTagFromBytes(b)
	require.NoError(t, err)
	return tag
}

func TestNewReturnAddressProvenance(t *testing.T) {
	require := require.New(t)

	recipient := make([]byte, common.RecipientLength)
	_, err := rand.Reader.Read(recipient)
	require.NoError(err)
	tag := randomTag(t)

	// Nothing to reply to.
	require.Nil(NewReturnAddress(nil, nil))

	// Explicit recipient wins over a sender tag.
	addr := NewReturnAddress(recipient, &tag)
	require.NotNil(addr)
	require.False(addr.IsAnonymous())
	require.Nil(addr.SenderTag())

	addr = NewReturnAddress(nil, &tag)
	require.NotNil(addr)
	require.True(addr.IsAnonymous())
	require.Equal(tag, *addr.SenderTag())
}

func TestWrapResponseDirect(t *testing.T) {
	require := require.New(t)

	recipient := make([]byte, common.RecipientLength)
	_, err := rand.Reader.Read(recipient)
	require.NoError(err)

	addr := NewReturnAddress(recipient, nil)
	payload := []byte("proxied response bytes")

	// Direct responses never touch the credential store.
	out, err := addr.WrapResponse(payload, nil)
	require.NoError(err)
	require.Equal(recipient, out.Recipient)
	require.Empty(out.Surb)
	require.Equal(payload, out.Payload)
}

func TestWrapResponseAnonymous(t *testing.T) {
	require := require.New(t)

	tag := randomTag(t)
	surb := []byte("single use reply block")
	creds := &fakeCredentialSource{
		surbs: map[common.SenderTag][][]byte{tag: {surb}},
	}

	addr := NewReturnAddress(nil, &tag)
	payload := []byte("proxied response bytes")

	out, err := addr.WrapResponse(payload, creds)
	require.NoError(err)
	require.Empty(out.Recipient)
	require.Equal(surb, out.Surb)
	require.Equal(payload, out.Payload)

	// The pool is exhausted now.
	_, err = addr.WrapResponse(payload, creds)
	require.ErrorIs(err, ErrNoReplyCredentials)
}

func TestWrapResponseStoreFailure(t *testing.T) {
	require := require.New(t)

	tag := randomTag(t)
	boom := errors.New("disk on fire")
	creds := &fakeCredentialSource{err: boom}

	addr := NewReturnAddress(nil, &tag)
	_, err := addr.WrapResponse([]byte("payload"), creds)
	require.ErrorIs(err, boom)
}
