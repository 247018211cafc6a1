// messages.go - mixproxy wire frames
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

package common

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// MessageType discriminates the frames carried inside a mix message.
type MessageType uint8

const (
	// RequestMessage carries a Request from a peer.
	RequestMessage MessageType = iota

	// ResponseMessage carries proxied data back to a peer.
	ResponseMessage

	// ErrorResponseMessage carries a human readable rejection back to a
	// peer, for example a failed filter check.
	ErrorResponseMessage

	// SurbRequestMessage asks an anonymous peer for additional reply
	// credentials.
	SurbRequestMessage

	// StatsReportMessage carries an aggregate traffic report to a
	// statistics collector service.
	StatsReportMessage
)

// Command discriminates the request kinds a peer may send.
type Command uint8

const (
	// ConnectCmd requests a new proxied connection.
	ConnectCmd Command = iota

	// SendCmd carries data for an established proxied connection.
	SendCmd
)

// ErrInvalidFrame is returned when a frame fails structural validation
// after a successful cbor decode.
var ErrInvalidFrame = errors.New("common: invalid frame")

// Message is the outermost frame of every mix message exchanged with
// peers.  The Payload encoding is determined by Type.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Marshal serializes the Message.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// Unmarshal deserializes the Message.
func (m *Message) Unmarshal(b []byte) error {
	if err := cbor.Unmarshal(b, m); err != nil {
		return err
	}
	if m.Type > StatsReportMessage {
		return ErrInvalidFrame
	}
	return nil
}

// Request is a typed peer request, transported in a Message of type
// RequestMessage.
type Request struct {
	Command Command
	Payload []byte
}

// Marshal serializes the Request.
func (r *Request) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the Request.
func (r *Request) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}

// ConnectRequest asks the provider to open a proxied connection to
// RemoteAddr and bind it to ConnID.
type ConnectRequest struct {
	ConnID     ConnectionID
	RemoteAddr string

	// ReturnRecipient is the serialized explicit return address, empty
	// when the peer is anonymous and replies must use reply credentials.
	ReturnRecipient []byte
}

// Marshal serializes the ConnectRequest.
func (c *ConnectRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(c)
}

// Unmarshal deserializes the ConnectRequest.
func (c *ConnectRequest) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, c)
}

// SendRequest carries ordered stream data for an established connection.
// Close signals that no further data follows.
type SendRequest struct {
	ConnID ConnectionID
	Data   []byte
	Close  bool
}

// Marshal serializes the SendRequest.
func (s *SendRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(s)
}

// Unmarshal deserializes the SendRequest.
func (s *SendRequest) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, s)
}

// Response carries proxied stream data back to the peer.  Close signals
// that the remote end of ConnID is finished.
type Response struct {
	ConnID ConnectionID
	Data   []byte
	Close  bool
}

// Marshal serializes the Response.
func (r *Response) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the Response.
func (r *Response) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}

// IntoMessage wraps the Response into an outer Message frame.
func (r *Response) IntoMessage() (*Message, error) {
	p, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	return &Message{Type: ResponseMessage, Payload: p}, nil
}

// ErrorResponse tells the peer that a request was rejected, naming the
// failed check.
type ErrorResponse struct {
	ConnID  ConnectionID
	Message string
}

// Marshal serializes the ErrorResponse.
func (e *ErrorResponse) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal deserializes the ErrorResponse.
func (e *ErrorResponse) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, e)
}

// IntoMessage wraps the ErrorResponse into an outer Message frame.
func (e *ErrorResponse) IntoMessage() (*Message, error) {
	p, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	return &Message{Type: ErrorResponseMessage, Payload: p}, nil
}

// SurbRequest asks an anonymous peer identified by Tag to send up to
// Count additional reply credentials.
type SurbRequest struct {
	Tag   SenderTag
	Count uint32
}

// Marshal serializes the SurbRequest.
func (s *SurbRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(s)
}

// Unmarshal deserializes the SurbRequest.
func (s *SurbRequest) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, s)
}

// IntoMessage wraps the SurbRequest into an outer Message frame.
func (s *SurbRequest) IntoMessage() (*Message, error) {
	p, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	return &Message{Type: SurbRequestMessage, Payload: p}, nil
}
