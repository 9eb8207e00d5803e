package protocol

import (
	"errors"
	"io"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Assembler reads messages from a stream that may return short reads or
// time out part way through a message. Progress is kept across calls so a
// read interrupted by a deadline resumes where it stopped.
type Assembler struct {
	maxSize int

	hdr   [HeaderSize]byte
	nhdr  int
	msg   *Message
	nbody int
}

// NewAssembler returns an Assembler enforcing maxSize (0 disables the limit).
func NewAssembler(maxSize int) *Assembler {
	return &Assembler{maxSize: maxSize}
}

// Pending reports whether a partially read message is buffered.
func (a *Assembler) Pending() bool {
	return a.nhdr > 0
}

// ReadFrom reads from r until one message is complete and returns it.
//
// Any error from r is returned as is and the partial message is kept,
// except io.EOF, which is returned unchanged between messages and as an
// rpc.CodeProtocol error inside one. Header errors are not recoverable and
// the Assembler must not be used after them.
func (a *Assembler) ReadFrom(r io.Reader) (*Message, error) {
	for a.nhdr < HeaderSize {
		n, err := r.Read(a.hdr[a.nhdr:])
		a.nhdr += n
		if a.nhdr == HeaderSize {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && a.nhdr > 0 {
				return nil, rpc.Errorf(rpc.CodeProtocol, "truncated message header")
			}
			return nil, err
		}
	}

	if a.msg == nil {
		msgType, size, err := parseHeader(a.hdr)
		if err != nil {
			return nil, err
		}
		if a.maxSize > 0 && size > a.maxSize {
			return nil, rpc.Errorf(rpc.CodeMemoryLimit, "message of %d bytes exceeds limit of %d bytes", size, a.maxSize)
		}
		a.msg = &Message{Type: msgType, Body: make([]byte, size-HeaderSize)}
		a.nbody = 0
	}

	for a.nbody < len(a.msg.Body) {
		n, err := r.Read(a.msg.Body[a.nbody:])
		a.nbody += n
		if a.nbody == len(a.msg.Body) {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, rpc.Errorf(rpc.CodeProtocol, "truncated %s message", a.msg.Type)
			}
			return nil, err
		}
	}

	msg := a.msg
	a.msg = nil
	a.nhdr = 0
	a.nbody = 0
	return msg, nil
}
