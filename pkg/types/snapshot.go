package types

import "time"

// DraftSnapshot is the full room view pushed to every client on join and
// after every change. Clients replace their copy wholesale.
type DraftSnapshot struct {
	Version      uint64    `json:"version"`
	RoomCode     string    `json:"roomCode"`
	RoomName     string    `json:"roomName"`
	Mode         string    `json:"mode"`
	Revision     int64     `json:"revision"`
	Started      bool      `json:"started"`
	Complete     bool      `json:"complete"`
	Phase        string    `json:"phase"`
	TurnIndex    int       `json:"turnIndex"`
	TotalTurns   int       `json:"totalTurns"`
	CurrentTurn  *Turn     `json:"currentTurn,omitempty"`
	TurnDeadline time.Time `json:"turnDeadline,omitzero"`
	RemainingSec int       `json:"remainingSec"`
	ServerTime   time.Time `json:"serverTime"`

	TeamABans  []Entity `json:"teamABans"`
	TeamBBans  []Entity `json:"teamBBans"`
	TeamAPicks []Entity `json:"teamAPicks"`
	TeamBPicks []Entity `json:"teamBPicks"`
	Available  []Entity `json:"available"`

	Teams        []TeamSummary `json:"teams"`
	Log          []LogLine     `json:"log"`
	Participants []Participant `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
}

type Entity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageRef string `json:"imageRef"`
}

type Turn struct {
	Index  int    `json:"index"`
	Team   string `json:"team"`
	Action string `json:"action"`
}

// TeamSummary is one team's side of the board.
type TeamSummary struct {
	Team      string   `json:"team"`
	Captain   string   `json:"captain,omitempty"`
	Bans      []Entity `json:"bans"`
	Picks     []Entity `json:"picks"`
	BanQuota  int      `json:"banQuota"`
	PickQuota int      `json:"pickQuota"`
}

type LogLine struct {
	Team       string `json:"team"`
	Action     string `json:"action"`
	EntityID   string `json:"entityId,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Automatic  bool   `json:"wasAutomatic"`
	Text       string `json:"text"`
}

// Participant never includes the session token.
type Participant struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
	Team     string `json:"team,omitempty"`
}

type ChatMessage struct {
	ID             string    `json:"id"`
	SenderNickname string    `json:"senderNickname"`
	SenderRole     string    `json:"senderRole"`
	SenderTeam     string    `json:"senderTeam,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}
