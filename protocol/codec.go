package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for an unrecognized wire name.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the JSON frame around every message. ID correlates a request
// with its response and is empty for notifications.
type Envelope struct {
	Type Type            `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes msg inside an envelope.
func Encode(id string, msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), ID: id, Data: data})
}

// Decode parses an envelope and its payload. The returned ID is the request
// correlation ID, if any.
func Decode(b []byte) (string, Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	msg, err := newMessage(env.Type)
	if err != nil {
		return env.ID, nil, err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return env.ID, nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return env.ID, deref(msg), nil
}

func newMessage(t Type) (any, error) {
	switch t {
	case TypeJoin:
		return &Join{}, nil
	case TypeJoined:
		return &Joined{}, nil
	case TypePeerJoined:
		return &PeerJoined{}, nil
	case TypeLeave:
		return &Leave{}, nil
	case TypePeerLeft:
		return &PeerLeft{}, nil
	case TypeKick:
		return &Kick{}, nil
	case TypeKicked:
		return &Kicked{}, nil
	case TypeHostChanged:
		return &HostChanged{}, nil
	case TypeLineChanges:
		return &LineChanges{}, nil
	case TypeFullSync:
		return &FullSync{}, nil
	case TypeCursor:
		return &Cursor{}, nil
	case TypeSave:
		return &Save{}, nil
	case TypeSaveResult:
		return &SaveResult{}, nil
	case TypeMemoChanged:
		return &MemoChanged{}, nil
	case TypeFetch:
		return &Fetch{}, nil
	case TypeContent:
		return &Content{}, nil
	case TypeError:
		return &Error{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// deref turns the decode target back into a value so callers can type-switch
// on value types.
func deref(v any) Message {
	switch m := v.(type) {
	case *Join:
		return *m
	case *Joined:
		return *m
	case *PeerJoined:
		return *m
	case *Leave:
		return *m
	case *PeerLeft:
		return *m
	case *Kick:
		return *m
	case *Kicked:
		return *m
	case *HostChanged:
		return *m
	case *LineChanges:
		return *m
	case *FullSync:
		return *m
	case *Cursor:
		return *m
	case *Save:
		return *m
	case *SaveResult:
		return *m
	case *MemoChanged:
		return *m
	case *Fetch:
		return *m
	case *Content:
		return *m
	case *Error:
		return *m
	}
	panic(fmt.Sprintf("protocol: unhandled message %T", v))
}
