package activity

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordAndList(t *testing.T) {
	l := New(2, nil)
	l.Record(LevelInfo, "test_event", "first", nil)
	l.Record(LevelWarn, "test_event", "second", nil)
	l.Record(LevelError, "test_event", "third", nil)

	entries := l.List()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "third" {
		t.Errorf("entries = %+v, want oldest evicted", entries)
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
}

func TestClear(t *testing.T) {
	l := New(10, nil)
	l.Record(LevelInfo, "test_event", "msg", map[string]string{"k": "v"})
	l.Clear()
	if len(l.List()) != 0 {
		t.Error("expected empty log after Clear")
	}
}

func TestRecordWritesAuditLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, &buf)
	l.Record(LevelWarn, "rule_matched", "request pipeline tag", map[string]string{"tag": "sqli"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("audit log has %d lines, want 1", len(lines))
	}
	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal audit line: %v", err)
	}
	if entry.EventType != "rule_matched" || entry.Details["tag"] != "sqli" {
		t.Errorf("entry = %+v, want event_type=rule_matched, details[tag]=sqli", entry)
	}
}
