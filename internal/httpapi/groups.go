package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

type groupView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	AddedAt string `json:"added_at"`
}

func toGroupView(g store.Group) groupView {
	return groupView{ID: g.GroupID, Name: g.DisplayName, Folder: g.Folder, AddedAt: g.AddedAt.UTC().Format("2006-01-02T15:04:05Z07:00")}
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.registry.List()
	sort.Slice(groups, func(i, j int) bool { return groups[i].AddedAt.Before(groups[j].AddedAt) })

	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

type createGroupRequest struct {
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	rawID := req.Folder
	if rawID == "" {
		rawID = req.Name
	}
	groupID, err := registry.NormalizeGroupID(rawID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid folder/name"})
		return
	}
	if s.registry.Exists(groupID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "group already exists"})
		return
	}

	g, err := s.registry.Register(r.Context(), rawID, req.Name, "", nil)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": g.GroupID, "name": g.DisplayName, "folder": g.Folder})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	folder := r.PathValue("folder")
	if !s.queue.Terminate(folder) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no live session for this group"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
