// Copyright 2025 James Ross
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/scrapeorch/gateway/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, ErrUnknownQueue) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (r *Registry) handleHealth(w http.ResponseWriter, req *http.Request) {
	res, err := r.Health(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Registry) handleStats(w http.ResponseWriter, req *http.Request) {
	res, err := r.Stats(req.Context())
	if err != nil {
		r.logFailed("stats", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Registry) handlePause(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	if err := r.Pause(req.Context(), name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "paused"})
}

func (r *Registry) handleResume(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	if err := r.Resume(req.Context(), name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "resumed"})
}

func (r *Registry) handleClean(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	name, status := vars["name"], queue.Status(vars["status"])
	if err := r.Clean(req.Context(), name, status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "cleaned": string(status)})
}

func (r *Registry) handlePeek(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	name, status := vars["name"], queue.Status(vars["status"])
	n := int64(10)
	if raw := req.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			n = parsed
		}
	}
	jobs, err := r.Peek(req.Context(), name, status, n)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Registry) handleRetryDLQ(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	n, err := r.RetryDLQ(req.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
