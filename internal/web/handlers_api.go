package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"apertus-bridge/internal/bridge"
	"apertus-bridge/internal/store"
)

// maxCommandPayload bounds a command body; the gateway line buffer is small.
const maxCommandPayload = 200

// NodeView is a node as returned by the API.
type NodeView struct {
	*store.Node
	Announced bool `json:"announced"` // discovery published by this process
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	announced := s.backend.Nodes()
	if s.store == nil {
		views := make([]NodeView, 0, len(announced))
		for _, id := range announced {
			views = append(views, NodeView{Node: &store.Node{ID: id}, Announced: true})
		}
		s.writeJSON(w, http.StatusOK, views)
		return
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Error("list nodes", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	slices.SortFunc(nodes, func(a, b *store.Node) int { return strings.Compare(a.ID, b.ID) })

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, NodeView{Node: n, Announced: slices.Contains(announced, n.ID)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	announced := slices.Contains(s.backend.Nodes(), id)

	if s.store == nil {
		if !announced {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
			return
		}
		s.writeJSON(w, http.StatusOK, NodeView{Node: &store.Node{ID: id}, Announced: true})
		return
	}

	node, err := s.store.GetNode(id)
	if err != nil {
		s.writeStoreError(w, "get node", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NodeView{Node: node, Announced: announced})
}

type renameNodeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameNode(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "node store not available"})
		return
	}

	var req renameNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Name) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name limited to 64 characters"})
		return
	}

	id := r.PathValue("id")
	if err := s.store.RenameNode(id, req.Name); err != nil {
		s.writeStoreError(w, "rename node", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeleteNode(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "node store not available"})
		return
	}
	if err := s.store.DeleteNode(r.PathValue("id")); err != nil {
		s.writeStoreError(w, "delete node", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandRequest struct {
	Payload string `json:"payload"`
}

// handleAPISendCommand queues a command. The payload is forwarded verbatim,
// exactly like a message on the node's command topic.
func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	switch {
	case req.Payload == "":
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is required"})
		return
	case len(req.Payload) > maxCommandPayload:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload too long"})
		return
	case strings.ContainsAny(req.Payload, "\r\n"):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be a single line"})
		return
	}

	id := r.PathValue("id")
	err := s.backend.SendCommand(id, req.Payload, bridge.SourceAPI)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "node": id})
	case errors.Is(err, bridge.ErrInvalidNode):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, bridge.ErrQueueFull):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("send command", "node", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	s.logger.Error(op, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
