// Package chat is the chat application built on dispatch: the handler ids
// both programs agree on, the relayed message codec and the server-side room.
package chat

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Zereker/dispatch"
)

// Handler ids shared by the chat server and client.
const (
	// HandlerMessage carries UTF-8 text from a client, and an encoded Message
	// from the server.
	HandlerMessage dispatch.HandlerID = 1
	// HandlerSetUsername carries the sender's new UTF-8 username.
	HandlerSetUsername dispatch.HandlerID = 2
)

// Field numbers of the Message wire encoding.
const (
	fieldUsername protowire.Number = 1
	fieldContent  protowire.Number = 2
)

// ErrMalformedMessage is returned by Decode for bytes that are not a valid
// Message encoding.
var ErrMalformedMessage = stderrors.New("malformed chat message")

// Message is a chat line relayed by the server to the other clients.
type Message struct {
	Username string
	Content  string
}

// Encode returns the protobuf wire encoding of m. Empty fields are omitted.
func (m Message) Encode() []byte {
	var b []byte
	if m.Username != "" {
		b = protowire.AppendTag(b, fieldUsername, protowire.BytesType)
		b = protowire.AppendString(b, m.Username)
	}
	if m.Content != "" {
		b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
		b = protowire.AppendString(b, m.Content)
	}
	return b
}

// Decode parses data into m. Unknown fields are skipped.
func (m *Message) Decode(data []byte) error {
	*m = Message{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.WithMessage(ErrMalformedMessage, protowire.ParseError(n).Error())
		}
		data = data[n:]

		if (num == fieldUsername || num == fieldContent) && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return errors.WithMessagef(ErrMalformedMessage, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]

			if num == fieldUsername {
				m.Username = v
			} else {
				m.Content = v
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return errors.WithMessagef(ErrMalformedMessage, "field %d: %v", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

// DecodeMessage is a convenience wrapper around Message.Decode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := m.Decode(data)
	return m, err
}
