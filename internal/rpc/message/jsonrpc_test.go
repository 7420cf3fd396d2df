package message

import (
	"encoding/json"
	"testing"
)

// --- ID Tests ---

func TestID_StringID(t *testing.T) {
	id := StringID("req-abc")
	if !id.IsString() {
		t.Error("expected IsString() to be true")
	}
	if id.IsNumber() {
		t.Error("expected IsNumber() to be false")
	}
	if id.String() != "req-abc" {
		t.Errorf("expected String() = 'req-abc', got '%s'", id.String())
	}
}

func TestID_NumberID(t *testing.T) {
	id := NumberID(42)
	if id.IsString() {
		t.Error("expected IsString() to be false")
	}
	if !id.IsNumber() {
		t.Error("expected IsNumber() to be true")
	}
	n, ok := id.Number()
	if !ok || n != 42 {
		t.Errorf("Number() = %d, %v; want 42, true", n, ok)
	}
}

func TestID_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"number", `7`, `7`},
		{"string", `"abc-123"`, `"abc-123"`},
		{"float", `2.0`, `2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}
			out, err := json.Marshal(&id)
			if err != nil {
				t.Fatalf("marshal error: %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("round trip = %s, want %s", out, tt.want)
			}
		})
	}
}

func TestID_Equal(t *testing.T) {
	if !NumberID(5).Equal(NumberID(5)) {
		t.Error("equal numeric IDs should compare equal")
	}
	if NumberID(5).Equal(StringID("5")) {
		t.Error("number 5 and string \"5\" must not compare equal")
	}
}

// --- Request Tests ---

func TestParseRequest_Valid(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("ParseRequest error: %v", err)
	}
	if req.Method != MethodInitialize {
		t.Errorf("Method = %s, want initialize", req.Method)
	}
	if req.IsNotification() {
		t.Error("request with id should not be a notification")
	}
}

func TestParseRequest_Notification(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"exit"}`))
	if err != nil {
		t.Fatalf("ParseRequest error: %v", err)
	}
	if !req.IsNotification() {
		t.Error("request without id should be a notification")
	}
	if req.Method != MethodExit {
		t.Errorf("Method = %s, want exit", req.Method)
	}
}

func TestParseRequest_BOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"jsonrpc":"2.0","method":"ping"}`)...)
	req, err := ParseRequest(data)
	if err != nil {
		t.Fatalf("ParseRequest with BOM error: %v", err)
	}
	if req.Method != "ping" {
		t.Errorf("Method = %s, want ping", req.Method)
	}
}

func TestParseRequest_InvalidVersion(t *testing.T) {
	_, err := ParseRequest([]byte(`{"jsonrpc":"1.0","method":"x"}`))
	if err == nil {
		t.Error("expected error for wrong jsonrpc version")
	}
}

func TestParseRequest_MissingMethod(t *testing.T) {
	_, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1}`))
	if err == nil {
		t.Error("expected error for missing method")
	}
}

func TestRequest_URI(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
		ok     bool
	}{
		{"top-level uri", `{"uri":"file:///a/b.go"}`, "file:///a/b.go", true},
		{"textDocument uri", `{"textDocument":{"uri":"file:///x.go"}}`, "file:///x.go", true},
		{"no locator", `{"query":"find usages"}`, "", false},
		{"empty params", ``, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{JSONRPC: Version, Method: "test", Params: json.RawMessage(tt.params)}
			got, ok := req.URI()
			if got != tt.want || ok != tt.ok {
				t.Errorf("URI() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRequest_Roots(t *testing.T) {
	req := &Request{
		JSONRPC: Version,
		Method:  MethodInitialize,
		Params:  json.RawMessage(`{"roots":[{"uri":"file:///p1"},{"uri":"file:///p2"}]}`),
	}
	roots := req.Roots()
	if len(roots) != 2 {
		t.Fatalf("Roots() returned %d entries, want 2", len(roots))
	}
	if roots[0] != "file:///p1" || roots[1] != "file:///p2" {
		t.Errorf("Roots() = %v", roots)
	}
}

// --- Response Tests ---

func TestNewSuccessResponse(t *testing.T) {
	resp, err := NewSuccessResponse(NumberID(1), map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("NewSuccessResponse error: %v", err)
	}
	if resp.IsError() {
		t.Error("success response should not be an error")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != `{"jsonrpc":"2.0","id":1,"result":{"ok":"yes"}}` {
		t.Errorf("unexpected serialization: %s", data)
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(StringID("r1"), ErrRoutingFailed(""))
	if !resp.IsError() {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != RoutingFailed {
		t.Errorf("Code = %d, want %d", resp.Error.Code, RoutingFailed)
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`))
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	n, ok := resp.ID.Number()
	if !ok || n != 3 {
		t.Errorf("ID = %v, want 3", resp.ID)
	}
}

func TestRecoverID(t *testing.T) {
	if id := RecoverID([]byte(`{"id":9,"method":`)); id != nil {
		t.Error("expected nil for unparseable JSON")
	}
	if id := RecoverID([]byte(`{"id":9,"bogus":true}`)); id == nil || id.String() != "9" {
		t.Errorf("RecoverID = %v, want 9", id)
	}
}

// --- Error Tests ---

func TestErrorCodeName(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{BackendSpawnFailed, "BackendSpawnFailed"},
		{BackendUnavailable, "BackendUnavailable"},
		{BackendTimeout, "BackendTimeout"},
		{RoutingFailed, "RoutingFailed"},
		{ParseError, "ParseError"},
		{-1, "UnknownError"},
	}
	for _, tt := range tests {
		if got := ErrorCodeName(tt.code); got != tt.want {
			t.Errorf("ErrorCodeName(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestErrBackendUnavailable_Data(t *testing.T) {
	e := ErrBackendUnavailable("/work/app", "process exited")
	var data map[string]string
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["root"] != "/work/app" {
		t.Errorf("data root = %q, want /work/app", data["root"])
	}
}
