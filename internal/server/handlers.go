package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusResponse struct {
	Status      string `json:"status"`
	UptimeMS    int64  `json:"uptimeMs"`
	PluginCount int    `json:"pluginCount"`
	ToolCount   int    `json:"toolCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		UptimeMS:    time.Since(s.startedAt).Milliseconds(),
		PluginCount: len(s.manager.Records()),
		ToolCount:   len(s.host.ToolNames()),
	})
}

type moduleView struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	State     string `json:"state"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	records := s.manager.Records()
	views := make([]moduleView, 0, len(records))
	for _, rec := range records {
		view := moduleView{ID: rec.ID, Version: rec.Manifest.Version, State: string(rec.State)}
		if rec.CapabilitiesCaptured != nil {
			view.Tools = len(rec.CapabilitiesCaptured.Tools)
			view.Resources = len(rec.CapabilitiesCaptured.Resources)
			view.Prompts = len(rec.CapabilitiesCaptured.Prompts)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	names := s.host.ToolNames()
	type toolView struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	}
	views := make([]toolView, 0, len(names))
	for _, name := range names {
		meta, _ := s.host.ToolMeta(name)
		views = append(views, toolView{Name: name, Description: meta.Description, InputSchema: meta.InputSchema})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

type reloadRequest struct {
	Module string `json:"module"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Module == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "module is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.manager.Reload(ctx, s.host, req.Module); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type unloadRequest struct {
	Module string `json:"module"`
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req unloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Module == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "module is required"})
		return
	}

	if err := s.manager.Unload(s.host, req.Module); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type testToolRequest struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

func (s *Server) handleTestTool(w http.ResponseWriter, r *http.Request) {
	var req testToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "name is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := s.host.CallTool(ctx, req.Name, req.Args)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "result": result})
}
