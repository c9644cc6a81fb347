package server

import (
	"encoding/json"
	"net/http"

	"searchrelay/internal/pool"
	"searchrelay/internal/registry"
)

// adminHandlers implements the administrative read boundary. All
// responses are JSON; token values only ever appear masked.
type adminHandlers struct {
	pool     *pool.Pool
	registry *registry.Registry
}

func (a *adminHandlers) poolStatus(w http.ResponseWriter, _ *http.Request) {
	if a.pool == nil {
		writeJSON(w, http.StatusOK, pool.Status{})
		return
	}

	writeJSON(w, http.StatusOK, a.pool.Status())
}

func (a *adminHandlers) poolReset(w http.ResponseWriter, _ *http.Request) {
	if a.pool != nil {
		a.pool.Reset()
	}

	status := pool.Status{}
	if a.pool != nil {
		status = a.pool.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

func (a *adminHandlers) listTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.ListTokens())
}

func (a *adminHandlers) tokenStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Stats())
}

// setTokenActiveRequest toggles a token's administrative active flag.
// The full token value is required; there is no lookup by mask.
type setTokenActiveRequest struct {
	Token  string `json:"token"`
	Active bool   `json:"active"`
}

func (a *adminHandlers) setTokenActive(w http.ResponseWriter, r *http.Request) {
	var req setTokenActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	if !a.registry.SetActive(req.Token, req.Active) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
