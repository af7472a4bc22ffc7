package server

import (
	"math/rand"

	"github.com/alimasry/go-collab-notes/protocol"
)

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	palette    = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func randomName() string {
	return adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))]
}

// pickColor returns the first palette color no member uses, cycling
// through the palette once every color is taken.
func pickColor(members []*member) string {
	used := make(map[string]bool, len(members))
	for _, m := range members {
		used[m.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[len(members)%len(palette)]
}

// member is a client's place in a session.
type member struct {
	client *Client
	protocol.Participant
}

// inbound is a session-scoped message from a client. id is the request ID
// for RPCs and empty otherwise.
type inbound struct {
	client *Client
	id     string
	msg    protocol.Message
}

type joinRequest struct {
	client *Client
	id     string
	req    protocol.Join
}
