package types

// Client -> Server
//   Start:  {}
//   Pick:   entityId, turnIndex
//   Ban:    entityId, turnIndex
//   Random: turnIndex, resolves the turn with a random available entity
//   Reset:  {}
//   Chat:   text
//
// Server -> Client
//   StateSnapshot: snapshot
//   Error:         error{code, message}, sent only to the client that caused it

type ClientMessageType string

const (
	MsgStart  ClientMessageType = "Start"
	MsgPick   ClientMessageType = "Pick"
	MsgBan    ClientMessageType = "Ban"
	MsgRandom ClientMessageType = "Random"
	MsgReset  ClientMessageType = "Reset"
	MsgChat   ClientMessageType = "Chat"
)

type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	EntityID  string            `json:"entityId,omitempty"`
	TurnIndex int               `json:"turnIndex"`
	Text      string            `json:"text,omitempty"`
}

type ServerMessageType string

const (
	MsgStateSnapshot ServerMessageType = "StateSnapshot"
	MsgError         ServerMessageType = "Error"
)

type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	Snapshot *DraftSnapshot    `json:"snapshot,omitempty"`
	Error    *ErrorBody        `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// REST bodies.

type CreateRoomRequest struct {
	Name string `json:"name" validate:"required,max=64"`
	Mode string `json:"mode" validate:"omitempty,oneof=3v3 2v2"`
}

type CreateRoomResponse struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type JoinRequest struct {
	Nickname string `json:"nickname" validate:"required,max=32"`
	Role     string `json:"role" validate:"required,oneof=captain spectator"`
	Team     string `json:"team" validate:"omitempty,oneof='Team 1' 'Team 2'"`
}

// JoinResponse is the only place a session token is ever sent.
type JoinResponse struct {
	Participant Participant `json:"participant"`
	Token       string      `json:"token"`
}

// TurnRequest without an entityId resolves the turn at random.
type TurnRequest struct {
	Action    string `json:"action" validate:"required,oneof=ban pick"`
	EntityID  string `json:"entityId,omitempty"`
	TurnIndex *int   `json:"turnIndex" validate:"required,min=0"`
}

type ChatRequest struct {
	Text string `json:"text" validate:"required,max=500"`
}
