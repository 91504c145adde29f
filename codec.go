package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// MessageKind is the classification of a decoded JSON-RPC message.
type MessageKind int

// RequestID identifies a request and pairs it with its response. The protocol allows both
// strings and integers; a RequestID remembers which one it holds so that a reply carries
// the id exactly as the peer sent it. The zero value means "no id".
//
// RequestID is comparable and can be used as a map key. StringID("1") and IntID(1) are
// different ids.
type RequestID struct {
	kind idKind
	str  string
	num  int64
}

// Codec encodes and decodes single JSON-RPC messages. The zero value is ready to use and
// applies no size limit.
type Codec struct {
	// MaxMessageSize bounds the size of an inbound message in bytes. Zero disables the limit.
	MaxMessageSize int
}

type idKind uint8

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// MessageKind values.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

const (
	idAbsent idKind = iota
	idString
	idNumber
)

// defaultMaxMessageSize is the inbound frame limit applied by clients, 1 MiB.
const defaultMaxMessageSize = 1 << 20

var jsonNull = json.RawMessage("null")

// StringID returns a string request id.
func StringID(s string) RequestID {
	return RequestID{kind: idString, str: s}
}

// IntID returns an integer request id.
func IntID(n int64) RequestID {
	return RequestID{kind: idNumber, num: n}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return id.kind == idAbsent }

// IsNumber reports whether the id was issued or received as an integer.
func (id RequestID) IsNumber() bool { return id.kind == idNumber }

// String returns the id's textual form, or an empty string for an absent id.
func (id RequestID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	default:
		return ""
	}
}

// LogValue implements slog.LogValuer.
func (id RequestID) LogValue() slog.Value {
	if id.IsZero() {
		return slog.StringValue("<none>")
	}
	return slog.StringValue(id.String())
}

// MarshalJSON implements json.Marshaler. An absent id encodes as null.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return strconv.AppendInt(nil, id.num, 10), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. It accepts strings, integers, integral
// floating point numbers and null.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, jsonNull):
		*id = RequestID{}
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
	default:
		// Plain integer literals only. 1.0 or 1e3 would be echoed back as 1 and 1000.
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("id must be a string or an integer, got %s", data)
		}
		*id = IntID(n)
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Notifications never carry an id member, and
// responses always do, using null when the id is absent.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if w.JSONRPC == "" {
		w.JSONRPC = JSONRPCVersion
	}
	switch {
	case !m.ID.IsZero():
		id, err := m.ID.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.ID = id
	case m.Method == "":
		w.ID = jsonNull
	}
	if m.Method == "" && w.Result == nil && w.Error == nil {
		w.Result = jsonNull
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler without validating the message. Use
// Codec.Decode to validate and classify inbound traffic.
func (m *JSONRPCMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var id RequestID
	if len(w.ID) > 0 {
		if err := id.UnmarshalJSON(w.ID); err != nil {
			return err
		}
	}
	*m = JSONRPCMessage{
		JSONRPC: w.JSONRPC,
		ID:      id,
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	return nil
}

// Classify reports whether msg is a peer-initiated request, a response, or a notification.
// A message with both an id and a method is a request, a message with a method and no id
// is a notification, and a message with no method is a response. A response may lack an id
// when the peer could not parse the request it answers.
func Classify(msg JSONRPCMessage) MessageKind {
	switch {
	case msg.Method != "" && !msg.ID.IsZero():
		return KindRequest
	case msg.Method != "":
		return KindNotification
	case !msg.ID.IsZero() || msg.Result != nil || msg.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Encode serializes one message. It rejects messages that cannot be classified and
// responses that carry both a result and an error.
func (c Codec) Encode(msg JSONRPCMessage) ([]byte, error) {
	if msg.Result != nil && msg.Error != nil {
		return nil, errors.New("failed to encode message: response carries both result and error")
	}
	if msg.Method == "" && msg.Params != nil {
		return nil, errors.New("failed to encode message: params without a method")
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return bs, nil
}

// Decode parses and validates one message. Every failure is reported as a *ProtocolError
// whose Code is the JSON-RPC error a peer should receive for it.
func (c Codec) Decode(data []byte) (JSONRPCMessage, error) {
	if c.MaxMessageSize > 0 && len(data) > c.MaxMessageSize {
		return JSONRPCMessage{}, &ProtocolError{
			Code:   CodeInvalidRequest,
			Reason: fmt.Sprintf("message of %d bytes exceeds the %d byte limit", len(data), c.MaxMessageSize),
		}
	}
	if !json.Valid(data) {
		return JSONRPCMessage{}, &ProtocolError{Code: CodeParseError, Reason: "invalid json"}
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return JSONRPCMessage{}, &ProtocolError{Code: CodeInvalidRequest, Reason: "malformed message", Err: err}
	}

	msg := JSONRPCMessage{
		JSONRPC: w.JSONRPC,
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	if len(w.ID) > 0 {
		if err := msg.ID.UnmarshalJSON(w.ID); err != nil {
			return JSONRPCMessage{}, &ProtocolError{Code: CodeInvalidRequest, Reason: "invalid id", Err: err}
		}
	}

	invalid := func(reason string) (JSONRPCMessage, error) {
		return JSONRPCMessage{}, &ProtocolError{Code: CodeInvalidRequest, Reason: reason, ID: msg.ID}
	}
	switch {
	case msg.JSONRPC != JSONRPCVersion:
		return invalid(fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC))
	case msg.Result != nil && msg.Error != nil:
		return invalid("response carries both result and error")
	}
	switch Classify(msg) {
	case KindInvalid:
		return invalid("message has neither id nor method")
	case KindResponse:
		if msg.Result == nil && msg.Error == nil {
			return invalid("response carries neither result nor error")
		}
	}
	return msg, nil
}

func newRequest(id RequestID, method string, params json.RawMessage) JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

func newNotification(method string, params json.RawMessage) JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

func newResultResponse(id RequestID, result json.RawMessage) JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

func newErrorResponse(id RequestID, err *JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

// marshalParams encodes request params. Nil params are omitted from the message.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}

// marshalResult encodes a handler result. A nil result encodes as an empty object.
func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return r, nil
	}
	bs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return bs, nil
}
