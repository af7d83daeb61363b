package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Request is a REQ received by a Relay.
type Request struct {
	SubID   string
	Filters []nostr.Filter
}

// Relay is a minimal nostr relay for tests. It answers REQ with the
// stored events matching any filter, then EOSE, and records REQ and CLOSE.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	events   []*nostr.Event
	requests []Request
	closed   []string
}

// NewRelay starts a relay serving events. It is shut down with the test.
func NewRelay(t *testing.T, events ...*nostr.Event) *Relay {
	t.Helper()
	r := &Relay{events: events}
	r.server = httptest.NewServer(http.HandlerFunc(r.handleWebSocket))
	t.Cleanup(r.server.Close)
	return r
}

// URL is the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Publish adds events served to later requests.
func (r *Relay) Publish(events ...*nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *Relay) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

func (r *Relay) Closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := r.handleMessage(conn, message); err != nil {
			conn.WriteJSON([]interface{}{"NOTICE", err.Error()})
		}
	}
}

func (r *Relay) handleMessage(conn *websocket.Conn, message []byte) error {
	var msg []json.RawMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if len(msg) < 2 {
		return errShortMessage
	}

	var msgType, subID string
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		return err
	}
	if err := json.Unmarshal(msg[1], &subID); err != nil {
		return err
	}

	switch msgType {
	case "REQ":
		filters := make([]nostr.Filter, 0, len(msg)-2)
		for _, raw := range msg[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			filters = append(filters, f)
		}
		r.mu.Lock()
		r.requests = append(r.requests, Request{SubID: subID, Filters: filters})
		r.mu.Unlock()
		return r.sendMatchingEvents(conn, subID, filters)
	case "CLOSE":
		r.mu.Lock()
		r.closed = append(r.closed, subID)
		r.mu.Unlock()
		return nil
	default:
		return errUnknownMessage
	}
}

func (r *Relay) sendMatchingEvents(conn *websocket.Conn, subID string, filters []nostr.Filter) error {
	r.mu.Lock()
	var matched []*nostr.Event
	for _, ev := range r.events {
		for _, f := range filters {
			if f.Matches(ev) {
				matched = append(matched, ev)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, ev := range matched {
		if err := conn.WriteJSON([]interface{}{"EVENT", subID, ev}); err != nil {
			return err
		}
	}
	return conn.WriteJSON([]interface{}{"EOSE", subID})
}

type relayError string

func (e relayError) Error() string { return string(e) }

const (
	errShortMessage   relayError = "message too short"
	errUnknownMessage relayError = "unknown message type"
)
