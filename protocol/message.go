// Package protocol defines the messages exchanged between collaborating
// clients and the authority. Every message is a concrete Go type; the wire
// name in Type is only used by the envelope codec.
package protocol

import "github.com/alimasry/go-collab-notes/diff"

// Type is the wire name of a message.
type Type string

const (
	TypeJoin        Type = "collab-join"
	TypeJoined      Type = "collab-joined"
	TypePeerJoined  Type = "collab-peer-join"
	TypeLeave       Type = "collab-leave"
	TypePeerLeft    Type = "collab-peer-leave"
	TypeKick        Type = "collab-kick"
	TypeKicked      Type = "collab-kicked"
	TypeHostChanged Type = "collab-host"
	TypeLineChanges Type = "line-changes"
	TypeFullSync    Type = "full-sync"
	TypeCursor      Type = "collab-cursor"
	TypeSave        Type = "save"
	TypeSaveResult  Type = "save-result"
	TypeMemoChanged Type = "memo-changed"
	TypeFetch       Type = "fetch-content"
	TypeContent     Type = "content"
	TypeError       Type = "error"
)

// Mode selects the synchronization strategy of a session.
type Mode string

const (
	ModeLine      Mode = "line"
	ModeVersioned Mode = "versioned"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeLine || m == ModeVersioned }

// Message is implemented by every protocol message.
type Message interface {
	MessageType() Type
}

// Participant describes a connected collaborator.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Avatar   string `json:"avatar,omitempty"`
	IsHost   bool   `json:"isHost,omitempty"`
	LastLine int    `json:"lastLine"`
}

// Join asks the authority to create or join the session for a memo.
type Join struct {
	MemoID string `json:"memoId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Mode   Mode   `json:"mode"`
}

// Joined acknowledges a Join.
type Joined struct {
	SessionID     string        `json:"sessionId"`
	MemoID        string        `json:"memoId"`
	ParticipantID string        `json:"participantId"`
	IsHost        bool          `json:"isHost"`
	Created       bool          `json:"created"`
	Color         string        `json:"color"`
	Mode          Mode          `json:"mode"`
	Version       int64         `json:"version"`
	Roster        []Participant `json:"roster"`
}

// PeerJoined announces a new participant to the rest of the session.
type PeerJoined struct {
	Participant Participant `json:"participant"`
}

// Leave tells the authority the sender is leaving.
type Leave struct {
	SessionID string `json:"sessionId"`
}

// PeerLeft announces a departure. Kicked is set when the host removed the peer.
type PeerLeft struct {
	ParticipantID string `json:"participantId"`
	Kicked        bool   `json:"kicked,omitempty"`
}

// Kick asks the authority to remove a participant. Only the host may kick.
type Kick struct {
	ParticipantID string `json:"participantId"`
}

// Kicked is sent to a participant removed by the host.
type Kicked struct {
	By string `json:"by"`
}

// HostChanged announces a new host after the previous one left.
type HostChanged struct {
	ParticipantID string `json:"participantId"`
}

// LineChanges carries a line diff in real-time mode.
type LineChanges struct {
	From        string        `json:"from,omitempty"`
	Changes     []diff.Change `json:"changes"`
	EditingLine int           `json:"editingLine"`
}

// FullSync carries the whole document in real-time mode. When To is set the
// authority relays it to that participant only.
type FullSync struct {
	From  string      `json:"from,omitempty"`
	To    string      `json:"to,omitempty"`
	Lines []diff.Line `json:"lines"`
}

// Cursor carries a participant's caret line.
type Cursor struct {
	ParticipantID string `json:"participantId,omitempty"`
	LineIndex     int    `json:"lineIndex"`
}

// Save is a versioned save attempt.
type Save struct {
	SessionID       string `json:"sessionId"`
	Content         string `json:"content"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// SaveResult answers a Save. When Accepted is false the save was rejected and
// Version, Content and ChangedLines describe the authoritative state.
type SaveResult struct {
	Accepted     bool   `json:"accepted"`
	Version      int64  `json:"version"`
	Content      string `json:"content,omitempty"`
	ChangedLines []int  `json:"changedLines,omitempty"`
}

// MemoChanged is pushed to the other session members after an accepted save.
type MemoChanged struct {
	Version      int64  `json:"version"`
	ChangedLines []int  `json:"changedLines"`
	EditorID     string `json:"editorId,omitempty"`
	EditorName   string `json:"editorName"`
}

// Fetch requests the authoritative content of a session's memo.
type Fetch struct {
	SessionID string `json:"sessionId"`
}

// Content answers a Fetch.
type Content struct {
	Version int64  `json:"version"`
	Content string `json:"content"`
}

// Error reports a failed request. It is also returned as a Go error by
// request/response clients, carrying the authority's text unchanged.
type Error struct {
	Message string `json:"message"`
}

func (e Error) Error() string { return e.Message }

func (Join) MessageType() Type        { return TypeJoin }
func (Joined) MessageType() Type      { return TypeJoined }
func (PeerJoined) MessageType() Type  { return TypePeerJoined }
func (Leave) MessageType() Type       { return TypeLeave }
func (PeerLeft) MessageType() Type    { return TypePeerLeft }
func (Kick) MessageType() Type        { return TypeKick }
func (Kicked) MessageType() Type      { return TypeKicked }
func (HostChanged) MessageType() Type { return TypeHostChanged }
func (LineChanges) MessageType() Type { return TypeLineChanges }
func (FullSync) MessageType() Type    { return TypeFullSync }
func (Cursor) MessageType() Type      { return TypeCursor }
func (Save) MessageType() Type        { return TypeSave }
func (SaveResult) MessageType() Type  { return TypeSaveResult }
func (MemoChanged) MessageType() Type { return TypeMemoChanged }
func (Fetch) MessageType() Type       { return TypeFetch }
func (Content) MessageType() Type     { return TypeContent }
func (Error) MessageType() Type       { return TypeError }
