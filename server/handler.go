package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-notes/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /memos", func(w http.ResponseWriter, r *http.Request) {
		memos, err := hub.store.List(r.Context())
		if err != nil {
			hub.log.Error("list memos failed", "error", err)
			http.Error(w, "failed to list memos", http.StatusInternalServerError)
			return
		}
		writeJSON(w, memos)
	})

	mux.HandleFunc("GET /memos/{id}/revisions", func(w http.ResponseWriter, r *http.Request) {
		var from int64
		if v := r.URL.Query().Get("from"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid from version", http.StatusBadRequest)
				return
			}
			from = n
		}
		revs, err := hub.store.GetRevisions(r.Context(), r.PathValue("id"), from)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "memo not found", http.StatusNotFound)
			return
		}
		if err != nil {
			hub.log.Error("list revisions failed", "memo", r.PathValue("id"), "error", err)
			http.Error(w, "failed to list revisions", http.StatusInternalServerError)
			return
		}
		if revs == nil {
			revs = []store.Revision{}
		}
		writeJSON(w, revs)
	})

	// WebSocket endpoint.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
