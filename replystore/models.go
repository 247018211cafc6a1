// models.go - stored reply credential records
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

// Package replystore implements the persistent store for anonymous reply
// credentials: sender tags, reply keys and per-sender pools of single-use
// reply blocks.
package replystore

import (
	"fmt"
	"time"

	"github.com/katzenpost/mixproxy/common"
)

// CorruptedDataError indicates that a stored record failed validation on
// load.  The store never silently coerces invalid data.
type CorruptedDataError struct {
	// Details is the human readable cause.
	Details string
}

func (e *CorruptedDataError) Error() string {
	return "replystore: corrupted data: " + e.Details
}

func corruptedData(format string, a ...interface{}) error {
	return &CorruptedDataError{Details: fmt.Sprintf(format, a...)}
}

// storedSenderTag binds an anonymous sender tag to the raw bytes of the
// recipient address it was derived from.
type storedSenderTag struct {
	recipient []byte
	tag       []byte
}

func newStoredSenderTag(recipient []byte, tag common.SenderTag) *storedSenderTag {
	return &storedSenderTag{
		recipient: recipient,
		tag:       tag.Bytes(),
	}
}

func (s *storedSenderTag) into() ([]byte, common.SenderTag, error) {
	if len(s.recipient) != common.RecipientLength {
		return nil, common.SenderTag{}, corruptedData(
			"the retrieved recipient has length of %d while %d was expected",
			len(s.recipient), common.RecipientLength)
	}
	tag, err := common.SenderTagFromBytes(s.tag)
	if err != nil {
		return nil, common.SenderTag{}, corruptedData(
			"the retrieved sender tag has length of %d while %d was expected",
			len(s.tag), common.SenderTagLength)
	}
	return s.recipient, tag, nil
}

// storedReplyKey binds a key digest to a reply decryption key.
type storedReplyKey struct {
	keyDigest []byte
	replyKey  []byte
}

func newStoredReplyKey(digest common.KeyDigest, key []byte) *storedReplyKey {
	return &storedReplyKey{
		keyDigest: digest.Bytes(),
		replyKey:  key,
	}
}

func (s *storedReplyKey) into() (common.KeyDigest, []byte, error) {
	digest, err := common.KeyDigestFromBytes(s.keyDigest)
	if err != nil {
		return common.KeyDigest{}, nil, corruptedData(
			"the reply key digest has length of %d while %d was expected",
			len(s.keyDigest), common.KeyDigestLength)
	}
	if len(s.replyKey) != common.ReplyKeyLength {
		return common.KeyDigest{}, nil, corruptedData(
			"the reply key has length of %d while %d was expected",
			len(s.replyKey), common.ReplyKeyLength)
	}
	return digest, s.replyKey, nil
}

// storedSurbSender is the per-tag pool entry: a numeric identifier, the
// tag bytes, and the last time a reply was sent with one of its SURBs.
type storedSurbSender struct {
	id                uint64
	tag               []byte
	lastSentTimestamp int64
}

func newStoredSurbSender(id uint64, tag common.SenderTag, lastSent time.Time) *storedSurbSender {
	// Second granularity is plenty; staleness only feeds replenishment
	// heuristics, so being off by minutes or even hours is acceptable.
	return &storedSurbSender{
		id:                id,
		tag:               tag.Bytes(),
		lastSentTimestamp: lastSent.Unix(),
	}
}

func (s *storedSurbSender) into() (common.SenderTag, time.Time, error) {
	tag, err := common.SenderTagFromBytes(s.tag)
	if err != nil {
		return common.SenderTag{}, time.Time{}, corruptedData(
			"the retrieved sender tag has length of %d while %d was expected",
			len(s.tag), common.SenderTagLength)
	}

	if s.lastSentTimestamp < 0 {
		return common.SenderTag{}, time.Time{}, corruptedData(
			"failed to parse stored timestamp %d", s.lastSentTimestamp)
	}

	// A stored timestamp in the future means the clock moved backwards
	// across a restart.  Clamp to now rather than produce a negative
	// elapsed time.  This is leniency, not a correctness guarantee.
	now := time.Now()
	lastSent := time.Unix(s.lastSentTimestamp, 0)
	if lastSent.After(now) {
		lastSent = now
	}
	return tag, lastSent, nil
}

// PoolThresholds is the store-wide SURB pool replenishment configuration.
type PoolThresholds struct {
	// MinSurbThreshold is the pool size at or below which a replenishment
	// request is signaled.
	MinSurbThreshold uint32

	// MaxSurbThreshold is the largest number of SURBs retained per tag;
	// excess received during replenishment is discarded.
	MaxSurbThreshold uint32
}

func (t *PoolThresholds) validate() error {
	if t.MinSurbThreshold > t.MaxSurbThreshold {
		return fmt.Errorf("replystore: MinSurbThreshold %d exceeds MaxSurbThreshold %d",
			t.MinSurbThreshold, t.MaxSurbThreshold)
	}
	return nil
}
