package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"taskpulse/internal/ratelimit"
	logx "taskpulse/pkg/logx"
)

const (
	maxBodyBytes       = 64 << 10
	notificationsLimit = 50
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ok": true}
	if s.deps.Jobs != nil {
		snap := s.deps.Jobs.Snapshot(r.Context())
		body["scheduler"] = snap.Mode
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.Snapshot(r.Context()))
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifier not configured")
		return
	}
	recent := s.deps.Notifications.History()
	if len(recent) > notificationsLimit {
		recent = recent[len(recent)-notificationsLimit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  s.deps.Notifications.Stats(),
		"recent": recent,
	})
}

// policyBody is the admin wire form of ratelimit.Policy.
type policyBody struct {
	Scope         string `json:"scope"`
	Key           string `json:"key"`
	Method        string `json:"method,omitempty"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"windowSeconds"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

func toBody(p ratelimit.Policy) policyBody {
	en := p.Enabled
	return policyBody{
		Scope:         string(p.Scope),
		Key:           p.Key,
		Method:        p.Method,
		Limit:         p.Limit,
		WindowSeconds: p.WindowSeconds(),
		Enabled:       &en,
	}
}

func (b policyBody) policy() ratelimit.Policy {
	p := ratelimit.Policy{
		Scope:   ratelimit.Scope(b.Scope),
		Key:     b.Key,
		Method:  b.Method,
		Limit:   b.Limit,
		Window:  ratelimit.WindowFromSeconds(b.WindowSeconds),
		Enabled: true,
	}
	if b.Enabled != nil {
		p.Enabled = *b.Enabled
	}
	return p
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		writeError(w, http.StatusServiceUnavailable, "policy store not configured")
		return
	}
	list, err := s.deps.Policies.List(r.Context())
	if err != nil {
		s.log.Error("list policies failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not list policies")
		return
	}
	out := make([]policyBody, 0, len(list))
	for _, p := range list {
		out = append(out, toBody(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		writeError(w, http.StatusServiceUnavailable, "policy store not configured")
		return
	}
	var body policyBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	p := body.policy()
	if err := ratelimit.Validate(p); err != nil {
		var ve *ratelimit.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: ve.Error(), Field: ve.Field})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Policies.Upsert(r.Context(), p); err != nil {
		if ratelimit.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("upsert policy failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not save policy")
		return
	}
	s.log.Info("policy saved",
		logx.String("scope", string(p.Scope)),
		logx.String("key", p.Key),
		logx.String("method", p.Method),
		logx.Int("limit", p.Limit),
		logx.Duration("window", p.Window),
	)
	writeJSON(w, http.StatusOK, toBody(p))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		writeError(w, http.StatusServiceUnavailable, "policy store not configured")
		return
	}
	q := r.URL.Query()
	scope := ratelimit.Scope(q.Get("scope"))
	key := q.Get("key")
	method := q.Get("method")
	if scope == "" || key == "" {
		writeError(w, http.StatusBadRequest, "scope and key are required")
		return
	}
	if scope == ratelimit.ScopeEndpoint && method == "" {
		method = ratelimit.WildcardMethod
	}

	ok, err := s.deps.Policies.Delete(r.Context(), scope, key, method)
	if err != nil {
		s.log.Error("delete policy failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not delete policy")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
