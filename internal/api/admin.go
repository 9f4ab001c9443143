package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/intelli/agent-gateway/internal/scheduler"
	"github.com/intelli/agent-gateway/internal/webhooks"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, reason := s.kill.IsActive()

	health := map[string]interface{}{
		"status":      "ok",
		"kill_switch": map[string]interface{}{"active": active, "reason": reason},
		"capability_allow_all": s.caps.AllowAll(),
		"events":               s.bus.Stats(),
		"rate_limits":          s.limiter.Stats(),
	}
	if s.pool != nil {
		health["workers"] = s.pool.Health()
	}
	if active {
		health["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusNotFound, "auth_disabled", "authentication is not configured")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	token, err := s.auth.Login(req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": "admin"})
}

type killSwitchRequest struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

func (s *Server) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual activation"
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "operator"
	}

	s.kill.Activate(req.Reason, req.TriggeredBy)
	s.auditAdmin("kill_switch_activated", req.TriggeredBy, map[string]interface{}{"reason": req.Reason})
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

func (s *Server) handleClearKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.TriggeredBy == "" {
		req.TriggeredBy = "operator"
	}

	s.kill.Clear(req.TriggeredBy)
	s.auditAdmin("kill_switch_cleared", req.TriggeredBy, nil)
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

type rateLimitResetRequest struct {
	Client string `json:"client,omitempty"`
	User   string `json:"user,omitempty"`
}

func (s *Server) handleResetRateLimits(w http.ResponseWriter, r *http.Request) {
	var req rateLimitResetRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	switch {
	case req.Client != "":
		s.limiter.ResetClient(req.Client)
	case req.User != "":
		s.limiter.ResetUser(req.User)
	default:
		s.limiter.ResetAll()
	}
	s.auditAdmin("rate_limits_reset", "operator", map[string]interface{}{
		"client": req.Client, "user": req.User,
	})
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) handleReadAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "audit log is not configured")
		return
	}
	records, err := s.audit.Read()
	if err != nil {
		slog.Error("read audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "audit log unreadable")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	ep, err := s.registry.Register(req.URL, req.Events, req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.auditAdmin("webhook_registered", "operator", map[string]interface{}{
		"id": ep.ID, "url": ep.URL,
	})
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps := s.registry.List()
	if eps == nil {
		eps = []*webhooks.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": eps, "count": len(eps)})
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	s.auditAdmin("webhook_unregistered", "operator", map[string]interface{}{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookFailures(w http.ResponseWriter, r *http.Request) {
	failures := s.dispatcher.Failures()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": failures,
		"count":    len(failures),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.sched.List()
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var task scheduler.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	created, err := s.sched.Add(task)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.auditAdmin("task_added", "operator", map[string]interface{}{
		"id": created.ID, "tool": created.Tool,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.sched.Remove(id) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.auditAdmin("task_removed", "operator", map[string]interface{}{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableTask(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.sched.SetEnabled(id, enable) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enable})
	}
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		runs := s.sched.History(taskID)
		if runs == nil {
			runs = []scheduler.RunRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": s.sched.Histories()})
}

// auditAdmin records an admin action, best effort.
func (s *Server) auditAdmin(event, actor string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(event, actor, details); err != nil {
		slog.Error("audit append", "event", event, "error", err)
	}
}
