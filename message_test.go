package toolbus_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toolbus-io/toolbus"
)

func TestMessageResponseRoundTrip(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":7,"result":{"tools":[{"name":"search"}]}}`

	var msg toolbus.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if msg.ID == nil || *msg.ID != 7 {
		t.Errorf("id is %v, want 7", msg.ID)
	}
	if msg.Method != "" {
		t.Errorf("response carries method %q", msg.Method)
	}
	if msg.Error != nil {
		t.Errorf("response carries error %v", msg.Error)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}
	if !strings.Contains(string(out), `"id":7`) {
		t.Errorf("marshaled response %s does not carry the id", out)
	}
}

func TestMessageNotificationOmitsID(t *testing.T) {
	msg := toolbus.Message{
		JSONRPC: toolbus.JSONRPCVersion,
		Method:  toolbus.MethodProgress,
		Params:  json.RawMessage(`{}`),
	}
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	if strings.Contains(string(out), `"id"`) {
		t.Errorf("notification %s must not carry an id field", out)
	}
}

func TestErrorDetailMessage(t *testing.T) {
	detail := toolbus.ErrorDetail{
		Code:    toolbus.CodeMethodNotFound,
		Message: "no such method",
	}
	got := detail.Error()
	if !strings.Contains(got, "-32601") {
		t.Errorf("error string %q does not contain the code", got)
	}
	if !strings.Contains(got, "no such method") {
		t.Errorf("error string %q does not contain the message", got)
	}
}

func TestDefaultCapabilities(t *testing.T) {
	caps := toolbus.DefaultCapabilities()
	if !caps.Tools || !caps.Progress || !caps.Cancellation {
		t.Errorf("default capabilities %+v must enable tools, progress, and cancellation", caps)
	}
	if caps.Completion || caps.Sampling {
		t.Errorf("default capabilities %+v must not enable completion or sampling", caps)
	}
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("boom")

	launch := &toolbus.LaunchError{Command: "srv", Err: cause}
	if !errors.Is(launch, cause) {
		t.Error("LaunchError does not unwrap its cause")
	}
	if !strings.Contains(launch.Error(), "srv") {
		t.Errorf("launch error %q does not name the command", launch.Error())
	}

	conn := &toolbus.ConnectionError{Server: "search", Err: cause}
	if !errors.Is(conn, cause) {
		t.Error("ConnectionError does not unwrap its cause")
	}
	if !strings.Contains(conn.Error(), "search") {
		t.Errorf("connection error %q does not name the server", conn.Error())
	}

	timeout := &toolbus.TimeoutError{Method: "op/slow", Timeout: 5 * time.Second}
	if !strings.Contains(timeout.Error(), "op/slow") {
		t.Errorf("timeout error %q does not name the method", timeout.Error())
	}

	proto := &toolbus.ProtocolError{Code: toolbus.CodeParseError, Err: cause}
	if !errors.Is(proto, cause) {
		t.Error("ProtocolError does not unwrap its cause")
	}
}
