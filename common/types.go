// types.go - shared mixproxy protocol types
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

// Package common provides the types shared between the proxy, the reply
// credential store and the service dispatcher.
package common

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// SenderTagLength is the length in bytes of an anonymous sender tag.
	SenderTagLength = 16

	// RecipientLength is the length in bytes of a serialized mix network
	// recipient address.
	RecipientLength = 96

	// ReplyKeyLength is the length in bytes of a reply decryption key.
	ReplyKeyLength = 32

	// KeyDigestLength is the length in bytes of a reply key digest, the
	// output size of blake2b-256.
	KeyDigestLength = 32
)

// ConnectionID identifies one logical proxied connection.
type ConnectionID = uint64

// Direction distinguishes proxied traffic flowing towards the remote
// endpoint from traffic flowing back to the mix network peer.
type Direction uint8

const (
	// DirectionRequest is peer to remote endpoint.
	DirectionRequest Direction = iota

	// DirectionResponse is remote endpoint to peer.
	DirectionResponse
)

// SenderTag is the stable anonymous identifier correlating messages from
// the same unidentified peer.
type SenderTag [SenderTagLength]byte

// SenderTagFromBytes converts a raw byte slice into a SenderTag.
func SenderTagFromBytes(b []byte) (SenderTag, error) {
	var t SenderTag
	if len(b) != SenderTagLength {
		return t, fmt.Errorf("common: invalid sender tag length: %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// Bytes returns the raw representation of the tag.
func (t SenderTag) Bytes() []byte {
	return t[:]
}

func (t SenderTag) String() string {
	return hex.EncodeToString(t[:])
}

// KeyDigest is the lookup key under which a reply key is stored.
type KeyDigest [KeyDigestLength]byte

// KeyDigestFromBytes converts a raw byte slice into a KeyDigest.
func KeyDigestFromBytes(b []byte) (KeyDigest, error) {
	var d KeyDigest
	if len(b) != KeyDigestLength {
		return d, fmt.Errorf("common: invalid key digest length: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Bytes returns the raw representation of the digest.
func (d KeyDigest) Bytes() []byte {
	return d[:]
}

// DigestReplyKey derives the storage lookup digest for the given reply key
// bytes.  The key material itself is opaque to this package.
func DigestReplyKey(key []byte) KeyDigest {
	return KeyDigest(blake2b.Sum256(key))
}

// ReconstructedMessage is a plaintext message recovered from the mix
// network by the transport, along with the provenance needed to reply.
type ReconstructedMessage struct {
	// Payload is the recovered plaintext.
	Payload []byte

	// SenderTag is present iff the message arrived with reply credentials
	// from an anonymous sender.
	SenderTag *SenderTag
}

// OutgoingMessage is a message handed to the transport for delivery
// through the mix network.  Exactly one of Recipient or Surb is set.
type OutgoingMessage struct {
	// Recipient is the serialized address for directly addressed sends.
	Recipient []byte

	// Surb is a single-use reply block consumed for anonymous sends.
	Surb []byte

	// Payload is the plaintext to deliver.
	Payload []byte
}

// Transport is the mix network session surface consumed by the service
// provider.  Implementations own the connection to the mix network; the
// provider never sees packets, only reconstructed plaintext.
type Transport interface {
	// WaitForMessages blocks for the next inbound message batch.  The
	// second return value is false once the underlying session is closed,
	// after which no further batches will be delivered.
	WaitForMessages() ([]*ReconstructedMessage, bool)

	// SendMessage enqueues a single message for delivery.
	SendMessage(*OutgoingMessage) error

	// Address returns the provider's own mix network address.
	Address() string
}
