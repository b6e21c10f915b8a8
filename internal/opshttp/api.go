package opshttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/dexscan/internal/extract"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/registry"
)

type dumpsResponse struct {
	Count   int               `json:"count"`
	Records []registry.Record `json:"records"`
}

type statsResponse struct {
	Completed bool            `json:"completed"`
	Runs      []extract.Stats `json:"runs"`
	Last      *extract.Stats  `json:"last,omitempty"`
}

type api struct {
	dumps DumpSource
	runs  RunSource
}

func (a *api) handleDumps(w http.ResponseWriter, r *http.Request) {
	if a.dumps == nil {
		writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{"error": "registry unavailable"})
		return
	}
	recs := a.dumps.Records()
	if recs == nil {
		recs = []registry.Record{}
	}
	writeJSON(r.Context(), w, http.StatusOK, dumpsResponse{Count: len(recs), Records: recs})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{"error": "worker unavailable"})
		return
	}
	resp := statsResponse{Completed: a.runs.Completed(), Runs: a.runs.Runs()}
	if resp.Runs == nil {
		resp.Runs = []extract.Stats{}
	}
	if n := len(resp.Runs); n > 0 {
		last := resp.Runs[n-1]
		resp.Last = &last
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
