package legacy

import (
	"encoding/json"
	"testing"

	"github.com/plugwire/plugwire/protocol"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		payload string
		want    Kind
	}{
		{`{"tool_calls":[{"func":"get_stock_price","params":{"symbol":"AAPL"}}]}`, KindToolCalls},
		{`{"msg_type":"user_input","content":"hello"}`, KindUserInput},
		{`{"msg_type":"terminate","reason":"shutdown_requested"}`, KindTerminate},
		{`{"something":"else"}`, KindUnknown},
		{`{}`, KindUnknown},
	}
	for _, tc := range cases {
		cmd, err := ParseCommand([]byte(tc.payload))
		if err != nil {
			t.Fatalf("ParseCommand(%s): %v", tc.payload, err)
		}
		if cmd.Kind() != tc.want {
			t.Errorf("Kind(%s) = %v, want %v", tc.payload, cmd.Kind(), tc.want)
		}
	}
}

func TestParseCommandMalformed(t *testing.T) {
	if _, err := ParseCommand([]byte(`{"tool_calls": [`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestToRequestToolCalls(t *testing.T) {
	payload := `{
		"tool_calls":[{"func":"get_stock_price","params":{"symbol":"AAPL"}}],
		"messages":[{"role":"user","content":"how is apple doing"}],
		"system_info":{"locale":"en-US"}
	}`
	cmd, err := ParseCommand([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}

	req := cmd.ToRequest(42)
	if req == nil {
		t.Fatal("nil request for tool_calls record")
	}
	if req.Method != protocol.MethodExecute {
		t.Fatalf("method = %q", req.Method)
	}
	if *req.ID != 42 {
		t.Fatalf("id = %d", *req.ID)
	}
	if req.StringParam("function") != "get_stock_price" {
		t.Fatalf("function = %q", req.StringParam("function"))
	}
	args, _ := req.Params["arguments"].(map[string]any)
	if args["symbol"] != "AAPL" {
		t.Fatalf("arguments lost: %+v", req.Params["arguments"])
	}
	ctx, _ := req.Params["context"].([]any)
	if len(ctx) != 1 {
		t.Fatalf("context lost: %+v", req.Params["context"])
	}
	si, _ := req.Params["system_info"].(map[string]any)
	if si["locale"] != "en-US" {
		t.Fatalf("system_info lost: %+v", req.Params["system_info"])
	}
}

func TestToRequestUserInput(t *testing.T) {
	cmd := &Command{MsgType: MsgUserInput, Content: "done"}
	req := cmd.ToRequest(1)
	if req.Method != protocol.MethodInput || req.StringParam("content") != "done" {
		t.Fatalf("bad mapping: %+v", req)
	}
}

func TestToRequestTerminate(t *testing.T) {
	cmd := &Command{MsgType: MsgTerminate, Reason: "host_exit"}
	req := cmd.ToRequest(1)
	if req.Method != protocol.MethodShutdown || req.StringParam("reason") != "host_exit" {
		t.Fatalf("bad mapping: %+v", req)
	}
}

func TestToRequestUnknown(t *testing.T) {
	cmd := &Command{}
	if req := cmd.ToRequest(1); req != nil {
		t.Fatalf("unknown record must not map to a request: %+v", req)
	}
}

func TestReplySerialization(t *testing.T) {
	// success and awaiting_input must always be present; a missing success
	// member would make the host treat the reply as a streaming fragment.
	raw, err := json.Marshal(SuccessReply("", false))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["success"]; !ok {
		t.Fatalf("success member missing: %s", raw)
	}
	if _, ok := m["awaiting_input"]; !ok {
		t.Fatalf("awaiting_input member missing: %s", raw)
	}
	if _, ok := m["message"]; ok {
		t.Fatalf("empty message must be omitted: %s", raw)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		payload string
		want    bool
	}{
		{`{"success":true,"message":"done","awaiting_input":false}`, true},
		{`{"success":false,"message":"nope","awaiting_input":false}`, true},
		{`{"message":"partial chunk"}`, false},
		{`{"status":"in_progress","message":"working"}`, false},
		{`{"type":"heartbeat","state":"ready","timestamp":1.5}`, false},
		{`not json`, false},
	}
	for _, tc := range cases {
		if got := IsTerminal([]byte(tc.payload)); got != tc.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tc.payload, got, tc.want)
		}
	}
}

func TestReplyFromOutcome(t *testing.T) {
	r := ReplyFromOutcome(true, "all good", true)
	if !r.Success || r.Message != "all good" || !r.AwaitingInput {
		t.Fatalf("bad success mapping: %+v", r)
	}

	r = ReplyFromOutcome(false, "broke", false)
	if r.Success || r.Message != "broke" {
		t.Fatalf("bad failure mapping: %+v", r)
	}

	// Non-string payloads have no legacy rendering; message stays empty.
	r = ReplyFromOutcome(true, map[string]any{"k": "v"}, false)
	if !r.Success || r.Message != "" {
		t.Fatalf("non-string data must not leak into message: %+v", r)
	}
}

func TestHeartbeatShape(t *testing.T) {
	raw, err := json.Marshal(NewHeartbeat("ready"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "heartbeat" || m["state"] != "ready" {
		t.Fatalf("bad heartbeat shape: %s", raw)
	}
	if _, ok := m["timestamp"].(float64); !ok {
		t.Fatalf("timestamp must be numeric: %s", raw)
	}
	if IsTerminal(raw) {
		t.Fatal("heartbeat mistaken for terminal reply")
	}
}

func TestStateChangeShape(t *testing.T) {
	raw, err := json.Marshal(NewStateChange("onboarding"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "state_change" || m["new_state"] != "onboarding" {
		t.Fatalf("bad state_change shape: %s", raw)
	}
}
