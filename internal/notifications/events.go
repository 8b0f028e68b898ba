package notifications

import "encoding/json"

// Frame is the envelope for every websocket payload in both namespaces.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Chat namespace events.
const (
	EventMessage           = "message"
	EventMessageSent       = "message_sent"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventUserConnected     = "user_connected"
	EventUserDisconnected  = "user_disconnected"
	EventLeave             = "leave"
	EventDisconnect        = "disconnect"
	EventFriendRequest     = "friend_request"
	EventRoomHistory       = "roomHistory"
	EventError             = "error"
)

// Call namespace events. The uppercase names are the signaling protocol
// verbs; callEnded, userJoined and userLeft keep their historical casing.
// Signaling verbs relay verbatim, so clients may also send the kebab-case
// aliases (offer, add-ice-candidate, end-call) the handler normalizes.
const (
	EventLobby           = "LOBBY"
	EventSendOffer       = "SEND_OFFER"
	EventOffer           = "OFFER"
	EventAnswer          = "ANSWER"
	EventAddIceCandidate = "ADD_ICE_CANDIDATE"
	EventSignal          = "signal"
	EventEndCall         = "END_CALL"
	EventCallHeartbeat   = "HEARTBEAT"
	EventUserEvent       = "USER_EVENT"
	EventCallEnded       = "callEnded"
	EventCallUserJoined  = "userJoined"
	EventCallUserLeft    = "userLeft"
)

// EncodeFrame marshals an event and its payload into a wire frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// DecodeFrame parses a wire frame received from a socket.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// RoomEventType enumerates the event kinds carried on the chat:rooms channel.
type RoomEventType string

const (
	RoomEventJoin          RoomEventType = "join"
	RoomEventLeave         RoomEventType = "leave"
	RoomEventTyping        RoomEventType = "typing"
	RoomEventStoppedTyping RoomEventType = "stopped_typing"
	RoomEventConnected     RoomEventType = "connected"
	RoomEventDisconnected  RoomEventType = "disconnected"
)

// RoomEvent is the payload published on the chat:rooms channel. ClientID is
// the originating socket so subscribers can exclude it from the fan-out.
type RoomEvent struct {
	Type      RoomEventType `json:"type"`
	RoomID    string        `json:"roomId"`
	ClientID  string        `json:"clientId"`
	Username  string        `json:"username,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// BroadcastEvent maps a channel event type to the socket event name fanned
// out to room members. Unknown types map to the empty string and are dropped.
func (e RoomEvent) BroadcastEvent() string {
	switch e.Type {
	case RoomEventJoin:
		return EventUserJoined
	case RoomEventLeave:
		return EventUserLeft
	case RoomEventTyping:
		return EventUserTyping
	case RoomEventStoppedTyping:
		return EventUserStoppedTyping
	case RoomEventConnected:
		return EventUserConnected
	case RoomEventDisconnected:
		return EventUserDisconnected
	}
	return ""
}

// CallEnvelope is the payload published on the call:rooms channel. Every
// envelope targets exactly one socket; the worker holding that socket
// delivers the inner event and everyone else ignores it.
type CallEnvelope struct {
	Event    string          `json:"event"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId"`
	Data     json.RawMessage `json:"data,omitempty"`
}
