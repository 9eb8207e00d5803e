// Package protocol implements the framing used between clients and object
// adapters.
//
// Every message starts with a fixed 12-byte header:
//
//	0      4       5       6      7        8              12
//	+------+-------+-------+------+--------+--------------+
//	| DRPC | proto | encod | type | flags  | size (int32) |
//	+------+-------+-------+------+--------+--------------+
//
// size is the total length of the message including the header, big endian.
// Request and reply bodies are XDR encoded (RFC 4506).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

const (
	// HeaderSize is the size of the fixed message header
	HeaderSize = 12

	ProtocolMajor = 1
	EncodingMajor = 1

	// DefaultMessageSizeMax bounds incoming messages unless configured otherwise
	DefaultMessageSizeMax = 1024 * 1024
)

var magic = [4]byte{'D', 'R', 'P', 'C'}

// MessageType identifies the kind of message that follows the header.
type MessageType uint8

const (
	MessageRequest            MessageType = 0
	MessageReply              MessageType = 2
	MessageValidateConnection MessageType = 3
	MessageCloseConnection    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageReply:
		return "reply"
	case MessageValidateConnection:
		return "validate connection"
	case MessageCloseConnection:
		return "close connection"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one framed message. Body excludes the header.
type Message struct {
	Type MessageType
	Body []byte
}

// Size returns the encoded size of the message including the header.
func (m *Message) Size() int {
	return HeaderSize + len(m.Body)
}

// ReadMessage reads one complete message from r.
//
// Messages larger than maxSize fail with rpc.CodeMemoryLimit before the
// body is read. A malformed header fails with rpc.CodeProtocol. io.EOF is
// returned unchanged when r is closed between messages.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, rpc.Errorf(rpc.CodeProtocol, "truncated message header")
		}
		return nil, err
	}

	msgType, size, err := parseHeader(hdr)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && size > maxSize {
		return nil, rpc.Errorf(rpc.CodeMemoryLimit, "message of %d bytes exceeds limit of %d bytes", size, maxSize)
	}

	msg := &Message{Type: msgType, Body: make([]byte, size-HeaderSize)}
	if _, err := io.ReadFull(r, msg.Body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, rpc.Errorf(rpc.CodeProtocol, "truncated %s message", msgType)
		}
		return nil, err
	}

	return msg, nil
}

func parseHeader(hdr [HeaderSize]byte) (MessageType, int, error) {
	if [4]byte(hdr[0:4]) != magic {
		return 0, 0, rpc.Errorf(rpc.CodeProtocol, "bad magic %x", hdr[0:4])
	}
	if hdr[4] != ProtocolMajor {
		return 0, 0, rpc.Errorf(rpc.CodeProtocol, "unsupported protocol version %d", hdr[4])
	}
	if hdr[5] != EncodingMajor {
		return 0, 0, rpc.Errorf(rpc.CodeProtocol, "unsupported encoding version %d", hdr[5])
	}

	msgType := MessageType(hdr[6])
	switch msgType {
	case MessageRequest, MessageReply, MessageValidateConnection, MessageCloseConnection:
	default:
		return 0, 0, rpc.Errorf(rpc.CodeProtocol, "unknown message type %d", hdr[6])
	}

	size := int(int32(binary.BigEndian.Uint32(hdr[8:12])))
	if size < HeaderSize {
		return 0, 0, rpc.Errorf(rpc.CodeProtocol, "message size %d smaller than header", size)
	}
	return msgType, size, nil
}

// Encode returns the framed representation of m.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Body))
	copy(buf[0:4], magic[:])
	buf[4] = ProtocolMajor
	buf[5] = EncodingMajor
	buf[6] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[8:12], uint32(HeaderSize+len(m.Body)))
	copy(buf[HeaderSize:], m.Body)
	return buf
}

// WriteMessage writes m to w in a single Write call.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Encode())
	return err
}
