package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleHealth reports backplane liveness from the probe registry.
func (b *broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if b.health.Failing() {
		http.Error(w, "backplane health checks failing", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatus reports whether this instance accepts new sessions. Load
// balancers poll it to take the instance out of rotation during deploys.
func (b *broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !b.status.accepting() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleClients lists the connected sessions by public id.
func (b *broker) handleClients(w http.ResponseWriter, r *http.Request) {
	type clientInfo struct {
		PublicID  string `json:"public_id"`
		ProjectID string `json:"project_id,omitempty"`
		Transport string `json:"transport"`
	}
	clients := b.tracker.All()
	out := struct {
		Count   int          `json:"count"`
		Clients []clientInfo `json:"clients"`
	}{Count: len(clients), Clients: make([]clientInfo, 0, len(clients))}
	for _, c := range clients {
		out.Clients = append(out.Clients, clientInfo{
			PublicID:  c.PublicID,
			ProjectID: c.ProjectID(),
			Transport: c.Transport,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleRoomMessage broadcasts a named event to a room on every instance.
func (b *broker) handleRoomMessage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	var body struct {
		Message string `json:"message"`
		Payload []any  `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		http.Error(w, "body must carry a message name", http.StatusBadRequest)
		return
	}
	if err := b.lb.EmitToRoom(r.Context(), roomID, body.Message, body.Payload...); err != nil {
		log.Printf("admin broadcast to room %s failed: %v", roomID, err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDrain starts (or restarts) a drain cycle. rate is clients per
// second; rate=0 cancels.
func (b *broker) handleDrain(w http.ResponseWriter, r *http.Request) {
	rate, err := strconv.ParseFloat(r.URL.Query().Get("rate"), 64)
	if err != nil || rate < 0 {
		http.Error(w, "rate must be a non-negative number", http.StatusBadRequest)
		return
	}
	b.drainer.Start(rate)
	w.WriteHeader(http.StatusAccepted)
}

// handleDisconnectClient force-disconnects one session by public id.
func (b *broker) handleDisconnectClient(w http.ResponseWriter, r *http.Request) {
	publicID := mux.Vars(r)["publicID"]
	client := b.tracker.ByPublicID(publicID)
	if client == nil {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	log.Printf("admin disconnect of client %s", publicID)
	client.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}
