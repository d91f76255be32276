package rpc

import (
	"encoding/json"
	"testing"
)

func TestDispatchSingleRequest(t *testing.T) {
	mux := NewMux()
	mux.Handle("ping", func(params json.RawMessage) (any, error) {
		return "pong", nil
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	out := mux.Dispatch(raw)

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result != "pong" {
		t.Errorf("Result = %v, want %q", resp.Result, "pong")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	mux := NewMux()
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	out := mux.Dispatch(raw)

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	mux := NewMux()
	out := mux.Dispatch([]byte(`not json`))

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestDispatchBatch(t *testing.T) {
	mux := NewMux()
	mux.Handle("add", func(params json.RawMessage) (any, error) {
		var args [2]int
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return args[0] + args[1], nil
	})

	raw := []byte(`[{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]},{"jsonrpc":"2.0","id":2,"method":"add","params":[3,4]}]`)
	out := mux.Dispatch(raw)

	var resps []Response
	if err := json.Unmarshal(out, &resps); err != nil {
		t.Fatalf("unmarshal batch response: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("len(resps) = %d, want 2", len(resps))
	}
	for _, r := range resps {
		if r.Error != nil {
			t.Errorf("unexpected error: %v", r.Error)
		}
	}
}

func TestDispatchHandlerErrorWrapsAsRPCError(t *testing.T) {
	mux := NewMux()
	mux.Handle("boom", func(params json.RawMessage) (any, error) {
		return nil, &Error{Code: CodeInvalidParams, Message: "bad params"}
	})

	out := mux.Dispatch([]byte(`{"jsonrpc":"2.0","id":1,"method":"boom"}`))
	var resp Response
	_ = json.Unmarshal(out, &resp)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", resp.Error)
	}
}
