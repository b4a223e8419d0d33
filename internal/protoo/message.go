// Package protoo implements the protoo-style JSON signalling protocol:
// requests answered by responses, and fire-and-forget notifications, over
// one message-framed connection.
package protoo

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Message is one of *Request, *Response or *Notification.
type Message interface {
	isMessage()
}

// Request asks the peer to run Method. ID is kept raw so it can be echoed
// back exactly as received; the protocol allows integer and string ids.
type Request struct {
	ID     json.RawMessage
	Method string
	Data   json.RawMessage
}

type Response struct {
	ID          json.RawMessage
	OK          bool
	Data        json.RawMessage
	ErrorCode   int
	ErrorReason string
}

type Notification struct {
	Method string
	Data   json.RawMessage
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// NumericID returns the id as an integer when it is a JSON number or a
// numeric string.
func (r *Response) NumericID() (int64, bool) {
	var n int64
	if err := json.Unmarshal(r.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

var (
	// ErrNotObject is returned by Parse for valid JSON that is not an object.
	ErrNotObject = errors.New("protoo: message is not a JSON object")
	// ErrUnknownShape is returned by Parse for objects carrying none of the
	// request/response/notification flags.
	ErrUnknownShape = errors.New("protoo: unknown message shape")
)

// envelope holds the union of all message fields.
type envelope struct {
	Request      *bool           `json:"request"`
	Response     *bool           `json:"response"`
	Notification *bool           `json:"notification"`
	ID           json.RawMessage `json:"id"`
	Method       json.RawMessage `json:"method"`
	OK           *bool           `json:"ok"`
	Data         json.RawMessage `json:"data"`
	ErrorCode    *int            `json:"errorCode"`
	ErrorReason  *string         `json:"errorReason"`
}

// Parse decodes one frame. It does not validate request ids or methods;
// ValidateRequest does, so that a bad request can still be answered.
func Parse(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, errors.New("protoo: invalid JSON")
		}
		return nil, ErrNotObject
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	switch {
	case isTrue(env.Request):
		req := &Request{ID: env.ID, Data: env.Data}
		// a non-string method is left empty for ValidateRequest to reject
		_ = json.Unmarshal(env.Method, &req.Method)
		return req, nil
	case isTrue(env.Response):
		res := &Response{ID: env.ID, OK: isTrue(env.OK), Data: env.Data}
		if env.ErrorCode != nil {
			res.ErrorCode = *env.ErrorCode
		}
		if env.ErrorReason != nil {
			res.ErrorReason = *env.ErrorReason
		}
		return res, nil
	case isTrue(env.Notification):
		n := &Notification{Data: env.Data}
		if err := json.Unmarshal(env.Method, &n.Method); err != nil || n.Method == "" {
			return nil, errors.New("protoo: notification without a valid method")
		}
		return n, nil
	}
	return nil, ErrUnknownShape
}

// ValidateRequest checks the id and method of an inbound request and
// returns a 400 StatusError naming the first bad field.
func ValidateRequest(r *Request) error {
	if !validID(r.ID) {
		return &StatusError{Code: 400, Reason: "Invalid id"}
	}
	if r.Method == "" {
		return &StatusError{Code: 400, Reason: "Invalid method"}
	}
	return nil
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return false
	}
	var n json.Number
	if err := json.Unmarshal(id, &n); err == nil {
		if _, err := n.Int64(); err == nil {
			return true
		}
	}
	var s string
	return json.Unmarshal(id, &s) == nil
}

func isTrue(b *bool) bool { return b != nil && *b }

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

type wireRequest struct {
	Request bool   `json:"request"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data"`
}

type wireResponse struct {
	Response    bool            `json:"response"`
	ID          json.RawMessage `json:"id"`
	OK          bool            `json:"ok"`
	Data        any             `json:"data,omitempty"`
	ErrorCode   int             `json:"errorCode,omitempty"`
	ErrorReason string          `json:"errorReason,omitempty"`
}

type wireNotification struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

func emptyIfNil(data any) any {
	if data == nil {
		return struct{}{}
	}
	return data
}

// EncodeRequest renders an outbound request.
func EncodeRequest(id int64, method string, data any) ([]byte, error) {
	return json.Marshal(wireRequest{Request: true, ID: id, Method: method, Data: emptyIfNil(data)})
}

// EncodeResponseOK renders a successful response.
func EncodeResponseOK(id json.RawMessage, data any) ([]byte, error) {
	return json.Marshal(wireResponse{Response: true, ID: nullID(id), OK: true, Data: emptyIfNil(data)})
}

// EncodeResponseError renders a failed response.
func EncodeResponseError(id json.RawMessage, code int, reason string) ([]byte, error) {
	return json.Marshal(wireResponse{Response: true, ID: nullID(id), ErrorCode: code, ErrorReason: reason})
}

// EncodeNotification renders a notification.
func EncodeNotification(method string, data any) ([]byte, error) {
	return json.Marshal(wireNotification{Notification: true, Method: method, Data: emptyIfNil(data)})
}
