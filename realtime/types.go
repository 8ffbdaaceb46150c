package realtime

import "encoding/json"

const (
	ProtocolVersion = 1

	cmdHello                = "hello"
	cmdJoinRoleRoom         = "join_role_room"
	cmdLeaveRoleRoom        = "leave_role_room"
	cmdJoinTicket           = "join_ticket"
	cmdLeaveTicket          = "leave_ticket"
	cmdJoinCriticalRooms    = "join_critical_rooms"
	cmdJoinRoom             = "join_room"
	cmdLeaveRoom            = "leave_room"
	cmdCriticalTicketAction = "critical_ticket_action"
	cmdRequestSync          = "request_sync"

	envelopeEvent = "event"
	envelopeError = "error"
)

// Command is the envelope from client to server.
type Command struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Envelope is the frame server -> client.
type Envelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ProtocolError  `json:"error,omitempty"`
}

// HelloPayload initiates the session.
type HelloPayload struct {
	Protocol int    `json:"protocol,omitempty"`
	Token    string `json:"token,omitempty"`
}

// RolePayload addresses the role room of a user.
type RolePayload struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

type TicketPayload struct {
	TicketID int64 `json:"ticketId"`
}

type CriticalRoomsPayload struct {
	Role   string   `json:"role"`
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type CriticalActionPayload struct {
	TicketID int64  `json:"ticketId"`
	Action   string `json:"action"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

type SyncRequestPayload struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// ProtocolError describes an error frame sent by the server.
type ProtocolError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Msg
}

// MessageKind is the closed set of inbound message kinds. Anything the
// client does not recognise maps to KindUnknown.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindConnecting
	KindConnected
	KindDisconnected
	KindReconnectAttempt
	KindReconnectFailed
	KindEntityCreated
	KindEntityUpdated
	KindEntityAssigned
	KindEntityDeleted
	KindCriticalUpdate
	KindNotification
	KindRoomJoined
	KindSyncRequested
	KindSyncTriggered
)

var kindNames = map[MessageKind]string{
	KindConnecting:       "connecting",
	KindConnected:        "connected",
	KindDisconnected:     "disconnected",
	KindReconnectAttempt: "reconnect_attempt",
	KindReconnectFailed:  "reconnect_failed",
	KindEntityCreated:    "entity_created",
	KindEntityUpdated:    "entity_updated",
	KindEntityAssigned:   "entity_assigned",
	KindEntityDeleted:    "entity_deleted",
	KindCriticalUpdate:   "critical_update",
	KindNotification:     "notification",
	KindRoomJoined:       "room_joined",
	KindSyncRequested:    "sync_requested",
	KindSyncTriggered:    "sync_triggered",
}

var kindsByName = func() map[string]MessageKind {
	m := make(map[string]MessageKind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k MessageKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseMessageKind maps a wire event name to its kind.
func ParseMessageKind(name string) MessageKind {
	return kindsByName[name]
}

// Message is one inbound message, from the push channel or generated
// locally by the connection manager.
type Message struct {
	Kind    MessageKind
	Name    string // wire name, kept for unknown kinds
	Payload json.RawMessage
}

// NewMessage builds a Message for kind with payload marshalled to JSON.
func NewMessage(kind MessageKind, payload any) Message {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Message{Kind: kind, Name: kind.String(), Payload: raw}
}

type disconnectedPayload struct {
	Reason string `json:"reason"`
}

type reconnectAttemptPayload struct {
	Attempt int `json:"attempt"`
}
