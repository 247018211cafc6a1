// store.go - bolt backed reply credential store
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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
)

const (
	metadataBucket    = "metadata"
	versionKey        = "version"
	minThresholdKey   = "minSurbThreshold"
	maxThresholdKey   = "maxSurbThreshold"
	senderTagsBucket  = "senderTags"
	replyKeysBucket   = "replyKeys"
	surbSendersBucket = "surbSenders"
	idKey             = "id"
	lastSentKey       = "lastSent"
	surbsBucket       = "surbs"

	// signalChSize bounds the replenishment signal queue.  Signals are
	// advisory; dropping one under absurd backlog only delays a refill.
	signalChSize = 16
)

// Store is the persistent reply credential store.  All mutations are
// serialized by the underlying database; concurrent ReserveSurb calls for
// the same tag never hand out the same SURB twice.
type Store struct {
	sync.Mutex

	db  *bolt.DB
	log *logging.Logger

	thresholds PoolThresholds

	// belowMin tracks which pools have already signaled since last
	// crossing below the minimum threshold, so each crossing signals
	// exactly once.
	belowMin map[common.SenderTag]bool
	signalCh chan common.SenderTag
}

// New creates (or loads) a reply credential store with the given file
// name f.
func New(f string, thresholds PoolThresholds, logBackend *log.Backend) (*Store, error) {
	if err := thresholds.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		log:        logBackend.GetLogger("replystore"),
		thresholds: thresholds,
		belowMin:   make(map[common.SenderTag]bool),
		signalCh:   make(chan common.SenderTag, signalChSize),
	}

	var err error
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exist, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, b := range []string{senderTagsBucket, replyKeysBucket, surbSendersBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("replystore: incompatible version: %d", uint(b[0]))
			}
		} else {
			bkt.Put([]byte(versionKey), []byte{0})
		}

		// The thresholds row is a single store-wide configuration record;
		// the config is authoritative across restarts.
		var mi, ma [4]byte
		binary.BigEndian.PutUint32(mi[:], thresholds.MinSurbThreshold)
		binary.BigEndian.PutUint32(ma[:], thresholds.MaxSurbThreshold)
		bkt.Put([]byte(minThresholdKey), mi[:])
		bkt.Put([]byte(maxThresholdKey), ma[:])
		return nil
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

// Thresholds returns the store-wide pool thresholds.
func (s *Store) Thresholds() PoolThresholds {
	return s.thresholds
}

// ReplenishmentSignals returns the channel on which the store announces
// pools that have fallen to or below the minimum threshold, once per
// downward crossing.
func (s *Store) ReplenishmentSignals() <-chan common.SenderTag {
	return s.signalCh
}

// StoreSenderTag persists the binding between an anonymous sender tag and
// the recipient address it was derived from.  The write is an idempotent
// upsert; re-storing the same tag is not an error and the last writer
// wins.
func (s *Store) StoreSenderTag(recipient []byte, tag common.SenderTag) error {
	if len(recipient) != common.RecipientLength {
		return fmt.Errorf("replystore: invalid recipient length: %d", len(recipient))
	}
	rec := newStoredSenderTag(recipient, tag)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(senderTagsBucket)).Put(rec.tag, rec.recipient)
	})
}

// LoadSenderTag returns the recipient bound to tag, or false if the tag
// is unknown.
func (s *Store) LoadSenderTag(tag common.SenderTag) ([]byte, bool, error) {
	var recipient []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(senderTagsBucket)).Get(tag.Bytes())
		if v == nil {
			return nil
		}
		rec := &storedSenderTag{recipient: v, tag: tag.Bytes()}
		r, _, err := rec.into()
		if err != nil {
			return err
		}
		recipient = append([]byte{}, r...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return recipient, recipient != nil, nil
}

// StoreReplyKey persists a reply decryption key under its digest.
func (s *Store) StoreReplyKey(digest common.KeyDigest, key []byte) error {
	if len(key) != common.ReplyKeyLength {
		return fmt.Errorf("replystore: invalid reply key length: %d", len(key))
	}
	rec := newStoredReplyKey(digest, key)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(replyKeysBucket)).Put(rec.keyDigest, rec.replyKey)
	})
}

// ConsumeReplyKey destructively retrieves the reply key stored under
// digest.  A key is returned at most once; a second call for the same
// digest returns false, meaning already used or never stored.
func (s *Store) ConsumeReplyKey(digest common.KeyDigest) ([]byte, bool, error) {
	var key []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(replyKeysBucket))
		v := bkt.Get(digest.Bytes())
		if v == nil {
			return nil
		}
		rec := &storedReplyKey{keyDigest: digest.Bytes(), replyKey: v}
		_, k, err := rec.into()
		if err != nil {
			return err
		}
		key = append([]byte{}, k...)
		return bkt.Delete(digest.Bytes())
	})
	if err != nil {
		return nil, false, err
	}
	return key, key != nil, nil
}

// ReserveSurb pops the oldest unused SURB for the given sender tag and
// updates the pool's last-used timestamp.  It returns false if the pool
// is empty, which is an ordinary recoverable condition, not an error.
// Falling to or below the minimum threshold (including reserving from an
// already empty pool) signals replenishment once per crossing.
func (s *Store) ReserveSurb(tag common.SenderTag) ([]byte, bool, error) {
	var surb []byte
	remaining := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		pool := tx.Bucket([]byte(surbSendersBucket)).Bucket(tag.Bytes())
		if pool == nil {
			return nil
		}

		// Reconstructing the record validates what is on disk even though
		// only the timestamp gets rewritten.
		rawID := pool.Get([]byte(idKey))
		rawTs := pool.Get([]byte(lastSentKey))
		if len(rawID) != 8 || len(rawTs) != 8 {
			return corruptedData("the pool entry for %v has malformed id or timestamp", tag)
		}
		rec := &storedSurbSender{
			id:                binary.BigEndian.Uint64(rawID),
			tag:               tag.Bytes(),
			lastSentTimestamp: int64(binary.BigEndian.Uint64(rawTs)),
		}
		if _, _, err := rec.into(); err != nil {
			return err
		}

		surbs := pool.Bucket([]byte(surbsBucket))
		if surbs == nil {
			return nil
		}
		cur := surbs.Cursor()
		k, v := cur.First()
		if k == nil {
			return nil
		}
		surb = append([]byte{}, v...)
		if err := surbs.Delete(k); err != nil {
			return err
		}
		remaining = countKeys(surbs)

		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
		return pool.Put([]byte(lastSentKey), ts[:])
	})
	if err != nil {
		return nil, false, err
	}
	s.maybeSignalReplenishment(tag, remaining)
	return surb, surb != nil, nil
}

// SurbCount returns the number of unused SURBs available for tag.
func (s *Store) SurbCount(tag common.SenderTag) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		pool := tx.Bucket([]byte(surbSendersBucket)).Bucket(tag.Bytes())
		if pool == nil {
			return nil
		}
		if sBkt := pool.Bucket([]byte(surbsBucket)); sBkt != nil {
			n = countKeys(sBkt)
		}
		return nil
	})
	return n, err
}

// Replenish inserts freshly received SURBs into the pool for tag, up to
// the store's MaxSurbThreshold.  It returns the number actually
// accepted; the rest are discarded, which is a soft condition, not an
// error.
func (s *Store) Replenish(tag common.SenderTag, surbs [][]byte) (int, error) {
	accepted := 0
	total := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		pool, err := tx.Bucket([]byte(surbSendersBucket)).CreateBucketIfNotExists(tag.Bytes())
		if err != nil {
			return err
		}
		if pool.Get([]byte(idKey)) == nil {
			// First time this peer is seen; allocate the pool entry.
			seq, err := tx.Bucket([]byte(surbSendersBucket)).NextSequence()
			if err != nil {
				return err
			}
			rec := newStoredSurbSender(seq, tag, time.Now())
			var id, ts [8]byte
			binary.BigEndian.PutUint64(id[:], rec.id)
			binary.BigEndian.PutUint64(ts[:], uint64(rec.lastSentTimestamp))
			pool.Put([]byte(idKey), id[:])
			pool.Put([]byte(lastSentKey), ts[:])
		}

		sBkt, err := pool.CreateBucketIfNotExists([]byte(surbsBucket))
		if err != nil {
			return err
		}

		have := countKeys(sBkt)
		room := int(s.thresholds.MaxSurbThreshold) - have
		for _, surb := range surbs {
			if room <= 0 {
				break
			}
			seq, err := sBkt.NextSequence()
			if err != nil {
				return err
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], seq)
			if err := sBkt.Put(k[:], surb); err != nil {
				return err
			}
			accepted++
			room--
		}
		total = have + accepted
		return nil
	})
	if err != nil {
		return 0, err
	}

	if dropped := len(surbs) - accepted; dropped > 0 {
		s.log.Debugf("Discarded %d excess SURBs for %v past the threshold of %d",
			dropped, tag, s.thresholds.MaxSurbThreshold)
	}

	// Refilling above the minimum re-arms the replenishment signal.
	if total > int(s.thresholds.MinSurbThreshold) {
		s.Lock()
		delete(s.belowMin, tag)
		s.Unlock()
	}
	return accepted, nil
}

func (s *Store) maybeSignalReplenishment(tag common.SenderTag, remaining int) {
	if remaining > int(s.thresholds.MinSurbThreshold) {
		return
	}

	s.Lock()
	defer s.Unlock()
	if s.belowMin[tag] {
		return
	}
	s.belowMin[tag] = true

	select {
	case s.signalCh <- tag:
	default:
		s.log.Warningf("Replenishment signal queue full, dropping signal for %v", tag)
	}
}

// countKeys walks the bucket with a cursor because bucket statistics are
// not kept current within an open write transaction.  Pools are capped at
// MaxSurbThreshold so the walk is cheap.
func countKeys(bkt *bolt.Bucket) int {
	n := 0
	cur := bkt.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		n++
	}
	return n
}
