// models_test.go - stored record validation tests
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

package replystore

import (
	"fmt"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixproxy/common"
)

func randomTag(t *testing.T) common.SenderTag {
	t.Helper()
	b := make([]byte, common.SenderTagLength)
	_, err := rand.Reader.Read(b)
	require.NoError(t, err)
	tag, err := common.SenderTagFromBytes(b)
	require.NoError(t, err)
	return tag
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Reader.Read(b)
	require.NoError(t, err)
	return b
}

func TestStoredSenderTagRoundTrip(t *testing.T) {
	require := require.New(t)

	tag := randomTag(t)
	recipient := randomBytes(t, common.RecipientLength)

	rec := newStoredSenderTag(recipient, tag)
	gotRecipient, gotTag, err := rec.into()
	require.NoError(err)
	require.Equal(recipient, gotRecipient)
	require.Equal(tag, gotTag)
}

func TestStoredSenderTagRejectsBadLengths(t *testing.T) {
	tag := randomTag(t)

	for _, n := range []int{0, common.RecipientLength - 1, common.RecipientLength + 1} {
		t.Run(fmt.Sprintf("recipient-%d", n), func(t *testing.T) {
			require := require.New(t)
			rec := &storedSenderTag{
				recipient: randomBytes(t, n),
				tag:       tag.Bytes(),
			}
			_, _, err := rec.into()
			require.Error(err)
			var corrupted *CorruptedDataError
			require.ErrorAs(err, &corrupted)
			require.Contains(corrupted.Details, fmt.Sprintf("length of %d", n))
			require.Contains(corrupted.Details, fmt.Sprintf("%d was expected", common.RecipientLength))
		})
	}

	for _, n := range []int{0, common.SenderTagLength - 1, common.SenderTagLength + 1} {
		t.Run(fmt.Sprintf("tag-%d", n), func(t *testing.T) {
			require := require.New(t)
			rec := &storedSenderTag{
				recipient: randomBytes(t, common.RecipientLength),
				tag:       randomBytes(t, n),
			}
			_, _, err := rec.into()
			require.Error(err)
			var corrupted *CorruptedDataError
			require.ErrorAs(err, &corrupted)
		})
	}
}

func TestStoredReplyKeyRejectsBadLengths(t *testing.T) {
	require := require.New(t)

	digest := common.DigestReplyKey(randomBytes(t, common.ReplyKeyLength))

	rec := newStoredReplyKey(digest, randomBytes(t, common.ReplyKeyLength))
	_, _, err := rec.into()
	require.NoError(err)

	rec = &storedReplyKey{
		keyDigest: digest.Bytes(),
		replyKey:  randomBytes(t, common.ReplyKeyLength-1),
	}
	_, _, err = rec.into()
	var corrupted *CorruptedDataError
	require.ErrorAs(err, &corrupted)

	rec = &storedReplyKey{
		keyDigest: randomBytes(t, common.KeyDigestLength+3),
		replyKey:  randomBytes(t, common.ReplyKeyLength),
	}
	_, _, err = rec.into()
	require.ErrorAs(err, &corrupted)
}

func TestStoredSurbSenderTimestamps(t *testing.T) {
	require := require.New(t)

	tag := randomTag(t)

	// The happy path preserves second granularity.
	then := time.Now().Add(-3 * time.Hour)
	rec := newStoredSurbSender(1, tag, then)
	gotTag, gotLastSent, err := rec.into()
	require.NoError(err)
	require.Equal(tag, gotTag)
	require.Equal(then.Unix(), gotLastSent.Unix())

	// A timestamp from the future is clamped to now instead of rejected.
	rec = newStoredSurbSender(2, tag, time.Now().Add(24*time.Hour))
	_, gotLastSent, err = rec.into()
	require.NoError(err)
	require.False(gotLastSent.After(time.Now()))

	// A negative timestamp is corruption.
	rec = &storedSurbSender{id: 3, tag: tag.Bytes(), lastSentTimestamp: -1}
	_, _, err = rec.into()
	var corrupted *CorruptedDataError
	require.ErrorAs(err, &corrupted)
}

func TestPoolThresholdsValidate(t *testing.T) {
	require := require.New(t)

	require.NoError((&PoolThresholds{MinSurbThreshold: 1, MaxSurbThreshold: 1}).validate())
	require.NoError((&PoolThresholds{MinSurbThreshold: 0, MaxSurbThreshold: 10}).validate())
	require.Error((&PoolThresholds{MinSurbThreshold: 2, MaxSurbThreshold: 1}).validate())
}
