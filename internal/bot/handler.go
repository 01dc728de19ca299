package bot

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HandleMessage handles POST /api/v1/messages
// The transport posts each inbound message here and relays the replies and
// broadcasts in the response.
func (b *Bot) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.Sender = strings.TrimSpace(msg.Sender)

	if msg.ConversationID == "" {
		writeError(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	if msg.Sender == "" {
		writeError(w, "sender is required", http.StatusBadRequest)
		return
	}

	resp := b.Handle(r.Context(), msg)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
