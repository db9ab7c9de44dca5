// Package wsocket implements the WebSocket hub: tracking active
// connections and retaining a bounded frame history per connection and
// globally (spec.md §4.10). The on_ws_frame plugin hook is run by the
// codec's frame pump, not by the hub.
package wsocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxTotalFrames     = 10000
	defaultMaxFramesPerConn   = 1000
	defaultMaxPayloadSize     = 10 << 20
)

// Direction is which side originated a frame.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // client -> origin
	DirectionOutbound Direction = "outbound" // origin -> client
)

// Frame is one retained WebSocket message.
type Frame struct {
	ConnID    string
	Seq       uint64
	Direction Direction
	Text      bool
	Payload   []byte
	Timestamp time.Time
}

// Connection tracks one active WsConnection and its retained frames.
type Connection struct {
	ID            string
	Host          string
	StartTime     time.Time
	mu            sync.Mutex
	frames        []Frame
	evictedFrames uint64
	nextSeq       uint64
}

// Hub owns every active/recent WebSocket connection and enforces the
// global/per-connection frame caps.
type Hub struct {
	maxTotal     int
	maxPerConn   int
	maxPayload   int

	mu          sync.Mutex
	conns       map[string]*Connection
	totalFrames int
	connOrder   []string // FIFO order of connection ids holding frames, for global eviction

	subMu       sync.Mutex
	subscribers map[int]chan Frame
	nextSubID   int
}

// Limits overrides Hub's default frame caps.
type Limits struct {
	MaxTotalFrames   int
	MaxFramesPerConn int
	MaxPayloadSize   int
}

// New builds a Hub with the given limits (zero values fall back to
// spec.md §4.10 defaults).
func New(limits Limits) *Hub {
	if limits.MaxTotalFrames <= 0 {
		limits.MaxTotalFrames = defaultMaxTotalFrames
	}
	if limits.MaxFramesPerConn <= 0 {
		limits.MaxFramesPerConn = defaultMaxFramesPerConn
	}
	if limits.MaxPayloadSize <= 0 {
		limits.MaxPayloadSize = defaultMaxPayloadSize
	}
	return &Hub{
		maxTotal:    limits.MaxTotalFrames,
		maxPerConn:  limits.MaxFramesPerConn,
		maxPayload:  limits.MaxPayloadSize,
		conns:       make(map[string]*Connection),
		subscribers: make(map[int]chan Frame),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. A slow consumer never blocks Record: a frame that
// can't be delivered immediately is dropped for that subscriber.
func (h *Hub) Subscribe(bufSize int) (<-chan Frame, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Frame, bufSize)

	h.subMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = ch
	h.subMu.Unlock()

	unsubscribe := func() {
		h.subMu.Lock()
		delete(h.subscribers, id)
		h.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (h *Hub) publish(frame Frame) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Open registers a new connection and returns it.
func (h *Hub) Open(host string) *Connection {
	c := &Connection{ID: uuid.NewString(), Host: host, StartTime: time.Now()}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	return c
}

// Close removes a connection and its retained frames from the hub.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return
	}
	h.totalFrames -= len(c.frames)
	delete(h.conns, id)
	for i, cid := range h.connOrder {
		if cid == id {
			h.connOrder = append(h.connOrder[:i], h.connOrder[i+1:]...)
			break
		}
	}
}

// Get returns a connection by id.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// List returns all tracked connections.
func (h *Hub) List() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Record appends a frame to conn's history, applying payload rejection and
// FIFO eviction at the per-connection and global caps. It returns false
// (with no retention) if the payload exceeds the size cap.
func (h *Hub) Record(conn *Connection, dir Direction, text bool, payload []byte) (accepted bool, tag string) {
	if len(payload) > h.maxPayload {
		return false, "ws_frame_too_large"
	}

	conn.mu.Lock()
	seq := conn.nextSeq
	conn.nextSeq++
	frame := Frame{ConnID: conn.ID, Seq: seq, Direction: dir, Text: text, Payload: payload, Timestamp: time.Now()}
	conn.frames = append(conn.frames, frame)
	evictedLocal := false
	if len(conn.frames) > h.maxPerConn {
		conn.frames = conn.frames[1:]
		conn.evictedFrames++
		evictedLocal = true
	}
	conn.mu.Unlock()

	h.mu.Lock()
	if !evictedLocal {
		h.totalFrames++
	}
	alreadyTracked := false
	for _, cid := range h.connOrder {
		if cid == conn.ID {
			alreadyTracked = true
			break
		}
	}
	if !alreadyTracked {
		h.connOrder = append(h.connOrder, conn.ID)
	}
	for h.totalFrames > h.maxTotal && len(h.connOrder) > 0 {
		oldest := h.connOrder[0]
		if c, ok := h.conns[oldest]; ok {
			c.mu.Lock()
			if len(c.frames) > 0 {
				c.frames = c.frames[1:]
				c.evictedFrames++
				h.totalFrames--
			}
			empty := len(c.frames) == 0
			c.mu.Unlock()
			if empty {
				h.connOrder = h.connOrder[1:]
			}
		} else {
			h.connOrder = h.connOrder[1:]
		}
	}
	h.mu.Unlock()

	h.publish(frame)
	return true, ""
}

// Frames returns a copy of conn's currently retained frames plus its
// evicted-frame counter, so consumers can detect history gaps.
func (c *Connection) Frames() ([]Frame, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out, c.evictedFrames
}

// FrameCount reports the number of frames currently retained plus evicted,
// matching the frames_count invariant from spec.md §3.
func (c *Connection) FrameCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.frames)) + c.evictedFrames
}
