package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a realtime event on the wire using a custom enum type for better type safety
type Type string

const (
	// Client -> server
	TypeJoinRoom     Type = "join_room"
	TypeSendMessage  Type = "send_message"
	TypeSendReaction Type = "send_reaction"
	TypeMessageRead  Type = "message_read"
	TypeTypingStart  Type = "typing_start"
	TypeTypingStop   Type = "typing_stop"
	TypeHeartbeat    Type = "heartbeat"

	// Server -> client
	TypeMessage          Type = "message"
	TypeMessageDelivered Type = "message_delivered"
	TypeReaction         Type = "reaction"
	TypePresence         Type = "presence"
	TypeRateLimited      Type = "rate_limited"
	TypeHeartbeatAck     Type = "heartbeat_ack"
	TypeRoomJoined       Type = "room_joined"
	TypeError            Type = "error"
)

// String returns the string representation of the Type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the Type is a valid enum value
func (t Type) IsValid() bool {
	switch t {
	case TypeJoinRoom, TypeSendMessage, TypeSendReaction, TypeMessageRead,
		TypeTypingStart, TypeTypingStop, TypeHeartbeat,
		TypeMessage, TypeMessageDelivered, TypeReaction, TypePresence,
		TypeRateLimited, TypeHeartbeatAck, TypeRoomJoined, TypeError:
		return true
	default:
		return false
	}
}

// Event is the envelope for every inbound and outbound realtime event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RoomID    string         `json:"room_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Validate validates the event envelope and type.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	return nil
}

// New creates a new event with the specified type and data.
func New(id string, typ Type, roomID, userID string, data map[string]any) Event {
	if data == nil {
		data = make(map[string]any)
	}
	return Event{
		ID:        id,
		Type:      typ,
		RoomID:    roomID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewError creates a per-event rejection sent back to the offending sender.
func NewError(id, userID, code, message string) Event {
	return New(id, TypeError, "", userID, map[string]any{
		"code":    code,
		"message": message,
	})
}

// NewRateLimited creates the structured denial sent to a sender that tripped a bucket.
func NewRateLimited(id, userID string, denied Type, remaining int, resetIn, backoff time.Duration) Event {
	data := map[string]any{
		"event":     denied.String(),
		"remaining": remaining,
		"reset_in":  resetIn.Seconds(),
	}
	if backoff > 0 {
		data["backoff_time"] = backoff.Seconds()
	}
	return New(id, TypeRateLimited, "", userID, data)
}

// NewPresence creates a presence update for the members of a room.
func NewPresence(id, roomID, userID, status string, lastSeen time.Time, deviceCount int) Event {
	return New(id, TypePresence, roomID, userID, map[string]any{
		"status":       status,
		"last_seen":    lastSeen.Unix(),
		"device_count": deviceCount,
	})
}

// NewTyping creates a typing indicator update. started=false announces typing stopped.
func NewTyping(id, roomID, userID, userName string, started bool) Event {
	typ := TypeTypingStop
	if started {
		typ = TypeTypingStart
	}
	return New(id, typ, roomID, userID, map[string]any{
		"user_name": userName,
		"typing":    started,
	})
}

// Encode serializes the event for the wire or the broadcast store.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event received from the wire or the broadcast store.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// StringField extracts a string value from the event data, returning "" when absent.
func (e Event) StringField(key string) string {
	v, _ := e.Data[key].(string)
	return v
}
