package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

func TestParseAndKind(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		kind protocol.Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, true, protocol.KindRequest},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{}}`, true, protocol.KindResponse},
		{"response error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, true, protocol.KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, true, protocol.KindNotification},
		{"bare id", `{"jsonrpc":"2.0","id":1}`, true, protocol.KindInvalid},
		{"empty object", `{}`, true, protocol.KindInvalid},
		{"log line", "server listening on stdio", false, 0},
		{"empty line", "", false, 0},
		{"broken json", `{"jsonrpc":`, false, 0},
		{"whitespace padded", "  {\"jsonrpc\":\"2.0\",\"id\":2,\"result\":null}\r\n", true, protocol.KindResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := protocol.Parse(tt.line)
			if ok != tt.ok {
				t.Fatalf("Parse ok = %t, want %t", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got := msg.Kind(); got != tt.kind {
				t.Errorf("Kind = %d, want %d", got, tt.kind)
			}
		})
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	msg, err := protocol.NewRequest(42, "tools/call", protocol.CallToolParams{
		Name:      "read_data",
		Arguments: map[string]any{"query": "SELECT 1"},
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := protocol.Parse(string(bs))
	if !ok {
		t.Fatalf("emitted request did not parse: %s", bs)
	}
	if parsed.Kind() != protocol.KindRequest {
		t.Errorf("Kind = %d, want request", parsed.Kind())
	}
	if *parsed.ID != 42 || parsed.Method != "tools/call" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	msg, err := protocol.NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if msg.ID != nil {
		t.Error("notification carries an id")
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := protocol.Parse(string(bs))
	if parsed.Kind() != protocol.KindNotification {
		t.Errorf("Kind = %d, want notification", parsed.Kind())
	}
}

func TestFirstText(t *testing.T) {
	result := protocol.CallToolResult{Content: []protocol.Content{
		{Type: "image"},
		{Type: "text", Text: "first"},
		{Type: "text", Text: "second"},
	}}
	if got := result.FirstText(); got != "first" {
		t.Errorf("FirstText = %q, want first", got)
	}
	if got := (protocol.CallToolResult{}).FirstText(); got != "" {
		t.Errorf("FirstText of empty result = %q", got)
	}
}

func TestTextResult(t *testing.T) {
	result := protocol.TextResult("3 rows")
	if got := result.FirstText(); got != "3 rows" {
		t.Errorf("FirstText = %q", got)
	}
	if result.IsError {
		t.Error("TextResult set IsError")
	}
}

func TestErrorString(t *testing.T) {
	err := protocol.Error{Code: -32601, Message: "method not found"}
	want := "request error, code: -32601, message: method not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
