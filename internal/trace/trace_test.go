package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/log"
)

func withCapturedLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	l := log.New(&buf)
	prev := log.Default
	log.Default = l
	log.SetLevel("debug")
	t.Cleanup(func() { log.Default = prev })
	return &buf
}

func TestSessionIDStableAcrossRecords(t *testing.T) {
	buf := withCapturedLog(t)

	tr := New("SMTP.Conn", "10.0.0.1:1234")
	tr.Printf("connected")
	tr.WithField("recipient_count", 2).Printf("queued")
	tr.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3: %q", len(lines), buf.String())
	}

	var ids []string
	for _, line := range lines {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON record: %v (%q)", err, line)
		}
		id, ok := rec["session_id"].(string)
		if !ok || id == "" {
			t.Fatalf("record missing session_id: %q", line)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("session_id changed across records: %v", ids)
		}
	}
}

func TestNewChildSharesSessionID(t *testing.T) {
	withCapturedLog(t)

	parent := New("SMTP.Conn", "10.0.0.1:1234")
	child := parent.NewChild("ACS.Send", "emails:send")

	if child.ID() != parent.ID() {
		t.Errorf("child ID %q != parent ID %q", child.ID(), parent.ID())
	}
}

func TestNewChildLogsUnderDistinctTitleField(t *testing.T) {
	buf := withCapturedLog(t)

	parent := New("SMTP.Conn", "10.0.0.1:1234")
	parent.Printf("connected")
	child := parent.NewChild("ACS.Send", "emails:send")
	child.Printf("sending")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2: %q", len(lines), buf.String())
	}

	var parentRec, childRec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &parentRec); err != nil {
		t.Fatalf("invalid JSON record: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &childRec); err != nil {
		t.Fatalf("invalid JSON record: %v", err)
	}

	if parentRec["peer_addr"] != "10.0.0.1:1234" {
		t.Errorf("parent record peer_addr = %v, want the peer address", parentRec["peer_addr"])
	}
	if _, ok := childRec["peer_addr"]; ok {
		t.Errorf("child record should not carry peer_addr, got %v", childRec["peer_addr"])
	}
	if childRec["target"] != "emails:send" {
		t.Errorf("child record target = %v, want %q", childRec["target"], "emails:send")
	}
}

func TestErrorfReturnsFormattedError(t *testing.T) {
	withCapturedLog(t)

	tr := New("SMTP.Conn", "peer")
	err := tr.Errorf("bad thing: %d", 42)
	if err == nil || err.Error() != "bad thing: 42" {
		t.Errorf("Errorf returned %v, want \"bad thing: 42\"", err)
	}
}
