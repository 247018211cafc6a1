// return_address.go - response routing for proxied connections
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

// Package reply decides how responses travel back to the peer that
// originated a request: directly when an explicit return address is known,
// or via stored single-use reply blocks when the peer is anonymous.
package reply

import (
	"errors"

	"github.com/katzenpost/mixproxy/common"
)

// ErrNoReplyCredentials is returned when an anonymous response cannot be
// sent because the peer's SURB pool is empty.  It is transient; the store
// signals replenishment and the response is dropped once.
var ErrNoReplyCredentials = errors.New("reply: no reply credentials available")

// CredentialSource is the slice of the reply credential store a
// ReturnAddress consumes.
type CredentialSource interface {
	ReserveSurb(tag common.SenderTag) ([]byte, bool, error)
}

// ReturnAddress captures everything needed to route responses back to the
// sender of a request.
type ReturnAddress struct {
	recipient []byte
	senderTag *common.SenderTag
}

// NewReturnAddress builds a ReturnAddress from a request's provenance.
// An explicit recipient takes precedence over a sender tag.  It returns
// nil when neither is usable, meaning there is no way to reply; callers
// must log and discard the request rather than treat this as fatal.
func NewReturnAddress(recipient []byte, senderTag *common.SenderTag) *ReturnAddress {
	if len(recipient) != 0 {
		return &ReturnAddress{recipient: recipient}
	}
	if senderTag != nil {
		tag := *senderTag
		return &ReturnAddress{senderTag: &tag}
	}
	return nil
}

// IsAnonymous returns true when responses must consume reply credentials.
func (r *ReturnAddress) IsAnonymous() bool {
	return r.senderTag != nil
}

// SenderTag returns the anonymous sender tag, or nil for direct
// addresses.
func (r *ReturnAddress) SenderTag() *common.SenderTag {
	return r.senderTag
}

// WrapResponse turns a serialized response frame into an outgoing mix
// message addressed back to the peer.  Anonymous addresses reserve one
// SURB per response; ErrNoReplyCredentials means the response must be
// dropped after replenishment has been triggered.
func (r *ReturnAddress) WrapResponse(payload []byte, creds CredentialSource) (*common.OutgoingMessage, error) {
	if !r.IsAnonymous() {
		return &common.OutgoingMessage{
			Recipient: r.recipient,
			Payload:   payload,
		}, nil
	}

	surb, ok, err := creds.ReserveSurb(*r.senderTag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoReplyCredentials
	}
	return &common.OutgoingMessage{
		Surb:    surb,
		Payload: payload,
	}, nil
}
