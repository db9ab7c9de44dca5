package wsocket

import "testing"

func TestRecordRejectsOversizedPayload(t *testing.T) {
	h := New(Limits{MaxPayloadSize: 8})
	conn := h.Open("example.com")

	accepted, tag := h.Record(conn, DirectionInbound, true, make([]byte, 9))
	if accepted {
		t.Fatal("expected oversized payload to be rejected")
	}
	if tag != "ws_frame_too_large" {
		t.Errorf("tag = %q, want ws_frame_too_large", tag)
	}
}

func TestRecordEvictsPerConnectionFIFO(t *testing.T) {
	h := New(Limits{MaxFramesPerConn: 2, MaxPayloadSize: 1024})
	conn := h.Open("example.com")

	h.Record(conn, DirectionInbound, true, []byte("one"))
	h.Record(conn, DirectionInbound, true, []byte("two"))
	h.Record(conn, DirectionInbound, true, []byte("three"))

	frames, evicted := conn.Frames()
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if string(frames[0].Payload) != "two" {
		t.Errorf("oldest retained frame = %q, want two", frames[0].Payload)
	}
}

func TestFrameCountIncludesEvicted(t *testing.T) {
	h := New(Limits{MaxFramesPerConn: 1, MaxPayloadSize: 1024})
	conn := h.Open("example.com")

	h.Record(conn, DirectionInbound, true, []byte("a"))
	h.Record(conn, DirectionInbound, true, []byte("b"))

	if got := conn.FrameCount(); got != 2 {
		t.Errorf("FrameCount() = %d, want 2", got)
	}
}
