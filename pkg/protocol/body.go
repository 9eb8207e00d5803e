package protocol

import (
	"bytes"
	"fmt"
	"sort"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

// ContextEntry is one request context key/value pair.
type ContextEntry struct {
	Key   string
	Value string
}

// RequestBody is the XDR body of a request message.
type RequestBody struct {
	RequestID uint32
	Category  string
	Name      string
	Facet     string
	Operation string
	Mode      uint32
	Context   []ContextEntry
	Params    []byte
}

// ReplyStatus is the outcome reported in a reply.
type ReplyStatus uint32

const (
	ReplyOK ReplyStatus = iota
	ReplyUserError
	ReplyObjectNotExist
	ReplyOperationNotExist
	ReplyUnknownError
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplyOK:
		return "ok"
	case ReplyUserError:
		return "user error"
	case ReplyObjectNotExist:
		return "object does not exist"
	case ReplyOperationNotExist:
		return "operation does not exist"
	case ReplyUnknownError:
		return "unknown error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// ReplyBody is the XDR body of a reply message.
type ReplyBody struct {
	RequestID uint32
	Status    uint32
	Message   string
	Payload   []byte
}

// NewRequestBody builds a request body from a Current and encoded params.
func NewRequestBody(current *rpc.Current, params []byte) *RequestBody {
	body := &RequestBody{
		RequestID: current.RequestID,
		Category:  current.ID.Category,
		Name:      current.ID.Name,
		Facet:     current.Facet,
		Operation: current.Operation,
		Mode:      uint32(current.Mode),
		Params:    params,
	}

	keys := make([]string, 0, len(current.Context))
	for k := range current.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.Context = append(body.Context, ContextEntry{Key: k, Value: current.Context[k]})
	}
	return body
}

// Current converts the body to the dispatch Current for adapter.
func (b *RequestBody) Current(adapter, conn string) *rpc.Current {
	current := &rpc.Current{
		Adapter:   adapter,
		ID:        rpc.Identity{Category: b.Category, Name: b.Name},
		Facet:     b.Facet,
		Operation: b.Operation,
		Mode:      rpc.OperationMode(b.Mode),
		RequestID: b.RequestID,
		Conn:      conn,
	}
	if len(b.Context) > 0 {
		current.Context = make(map[string]string, len(b.Context))
		for _, e := range b.Context {
			current.Context[e.Key] = e.Value
		}
	}
	return current
}

// EncodeRequest frames body as a request message.
func EncodeRequest(body *RequestBody) (*Message, error) {
	data, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &Message{Type: MessageRequest, Body: data}, nil
}

// DecodeRequest decodes the body of a request message.
func DecodeRequest(msg *Message) (*RequestBody, error) {
	if msg.Type != MessageRequest {
		return nil, rpc.Errorf(rpc.CodeProtocol, "expected request, got %s", msg.Type)
	}
	body := &RequestBody{}
	if err := Unmarshal(msg.Body, body); err != nil {
		return nil, rpc.Errorf(rpc.CodeProtocol, "decode request: %v", err)
	}
	return body, nil
}

// EncodeReply frames body as a reply message.
func EncodeReply(body *ReplyBody) (*Message, error) {
	data, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return &Message{Type: MessageReply, Body: data}, nil
}

// DecodeReply decodes the body of a reply message.
func DecodeReply(msg *Message) (*ReplyBody, error) {
	if msg.Type != MessageReply {
		return nil, rpc.Errorf(rpc.CodeProtocol, "expected reply, got %s", msg.Type)
	}
	body := &ReplyBody{}
	if err := Unmarshal(msg.Body, body); err != nil {
		return nil, rpc.Errorf(rpc.CodeProtocol, "decode reply: %v", err)
	}
	return body, nil
}

// Marshal XDR-encodes v. Servants use it for their params and results.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal XDR-decodes data into v, which must be a pointer.
func Unmarshal(data []byte, v any) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}

// ValidateConnection returns the header-only liveness probe message.
func ValidateConnection() *Message {
	return &Message{Type: MessageValidateConnection}
}

// CloseConnection returns the header-only graceful close message.
func CloseConnection() *Message {
	return &Message{Type: MessageCloseConnection}
}
