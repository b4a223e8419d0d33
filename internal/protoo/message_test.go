package protoo

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string // request, response, notification or error
	}{
		{"request", `{"request":true,"id":12345678,"method":"echo","data":{"type":"x","ts":1}}`, "request"},
		{"string id", `{"request":true,"id":"abc","method":"echo"}`, "request"},
		{"response ok", `{"response":true,"id":12345678,"ok":true,"data":{}}`, "response"},
		{"response error", `{"response":true,"id":1,"ok":false,"errorCode":404,"errorReason":"nope"}`, "response"},
		{"notification", `{"notification":true,"method":"pcm_data","data":{}}`, "notification"},
		{"notification without method", `{"notification":true,"data":{}}`, "error"},
		{"array", `[1,2]`, "error"},
		{"garbage", `{not json`, "error"},
		{"no flags", `{"method":"echo"}`, "error"},
		{"false flags", `{"request":false,"notification":false}`, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse([]byte(tc.raw))
			got := "error"
			if err == nil {
				switch m.(type) {
				case *Request:
					got = "request"
				case *Response:
					got = "response"
				case *Notification:
					got = "notification"
				}
			}
			if got != tc.want {
				t.Fatalf("Parse(%s) = %s (err %v), want %s", tc.raw, got, err, tc.want)
			}
		})
	}
}

func TestParseNonObject(t *testing.T) {
	if _, err := Parse([]byte(`"hello"`)); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expected ErrNotObject, got %v", err)
	}
	if _, err := Parse([]byte(`{"id":1}`)); !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		raw    string
		reason string
	}{
		{`{"request":true,"id":10000001,"method":"echo"}`, ""},
		{`{"request":true,"id":"x1","method":"echo"}`, ""},
		{`{"request":true,"method":"echo"}`, "Invalid id"},
		{`{"request":true,"id":1.5,"method":"echo"}`, "Invalid id"},
		{`{"request":true,"id":{},"method":"echo"}`, "Invalid id"},
		{`{"request":true,"id":1}`, "Invalid method"},
		{`{"request":true,"id":1,"method":7}`, "Invalid method"},
	}
	for _, tc := range cases {
		m, err := Parse([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.raw, err)
		}
		err = ValidateRequest(m.(*Request))
		if tc.reason == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.raw, err)
			}
			continue
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != 400 || se.Reason != tc.reason {
			t.Errorf("%s: got %v, want 400 %q", tc.raw, err, tc.reason)
		}
	}
}

func TestResponseNumericID(t *testing.T) {
	for raw, want := range map[string]int64{`42`: 42, `"42"`: 42} {
		r := &Response{ID: json.RawMessage(raw)}
		if got, ok := r.NumericID(); !ok || got != want {
			t.Errorf("NumericID(%s) = %d, %v", raw, got, ok)
		}
	}
	if _, ok := (&Response{ID: json.RawMessage(`"abc"`)}).NumericID(); ok {
		t.Error("non-numeric id accepted")
	}
}

func TestEncode(t *testing.T) {
	b, err := EncodeResponseError(nil, 404, "Unknown method: foo")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["response"] != true || got["ok"] != false || got["id"] != nil || got["errorCode"] != float64(404) || got["errorReason"] != "Unknown method: foo" {
		t.Fatalf("unexpected error response %s", b)
	}

	b, _ = EncodeNotification("ping", nil)
	if string(b) != `{"notification":true,"method":"ping","data":{}}` {
		t.Fatalf("unexpected notification %s", b)
	}
	b, _ = EncodeResponseOK(json.RawMessage(`"a"`), nil)
	if string(b) != `{"response":true,"id":"a","ok":true,"data":{}}` {
		t.Fatalf("unexpected ok response %s", b)
	}
}
