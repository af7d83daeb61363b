package relaypool

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

type NotificationType int

const (
	NotificationEvent NotificationType = iota
	NotificationEOSE
	NotificationNotice
	NotificationClosed
)

func (t NotificationType) String() string {
	switch t {
	case NotificationEvent:
		return "EVENT"
	case NotificationEOSE:
		return "EOSE"
	case NotificationNotice:
		return "NOTICE"
	case NotificationClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Notification is one message received from a relay.
type Notification struct {
	Type    NotificationType
	Relay   string
	SubID   string
	Event   *nostr.Event
	Message string
}

func encodeReq(subID string, filters []nostr.Filter) ([]byte, error) {
	req := make([]interface{}, 0, len(filters)+2)
	req = append(req, "REQ", subID)
	for _, f := range filters {
		req = append(req, f)
	}
	return json.Marshal(req)
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// parseMessage decodes a relay-to-client message. ok is false for message
// types the pool does not act on, such as OK and AUTH.
func parseMessage(relay string, message []byte) (n Notification, ok bool, err error) {
	var msg []json.RawMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return n, false, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(msg) < 2 {
		return n, false, fmt.Errorf("message too short")
	}

	var msgType string
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		return n, false, fmt.Errorf("invalid message type")
	}
	n.Relay = relay

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return n, false, fmt.Errorf("EVENT requires subscription ID and event data")
		}
		if err := json.Unmarshal(msg[1], &n.SubID); err != nil {
			return n, false, fmt.Errorf("invalid subscription ID")
		}
		var ev nostr.Event
		if err := json.Unmarshal(msg[2], &ev); err != nil {
			return n, false, fmt.Errorf("invalid event data: %w", err)
		}
		n.Type = NotificationEvent
		n.Event = &ev
	case "EOSE":
		if err := json.Unmarshal(msg[1], &n.SubID); err != nil {
			return n, false, fmt.Errorf("invalid subscription ID")
		}
		n.Type = NotificationEOSE
	case "NOTICE":
		if err := json.Unmarshal(msg[1], &n.Message); err != nil {
			return n, false, fmt.Errorf("invalid notice message")
		}
		n.Type = NotificationNotice
	case "CLOSED":
		if err := json.Unmarshal(msg[1], &n.SubID); err != nil {
			return n, false, fmt.Errorf("invalid subscription ID")
		}
		if len(msg) > 2 {
			json.Unmarshal(msg[2], &n.Message)
		}
		n.Type = NotificationClosed
	default:
		return n, false, nil
	}
	return n, true, nil
}
