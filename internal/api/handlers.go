package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/intelli/agent-gateway/internal/approval"
	"github.com/intelli/agent-gateway/internal/supervisor"
)

// maxBodyBytes caps request bodies well above the worker IPC limit so the
// envelope plus headroom always fits.
const maxBodyBytes = 512 * 1024

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, supervisor.ErrValidation, "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, supervisor.ErrValidation, "body too large")
		return
	}

	res := s.sup.ProcessCall(body, supervisor.CallContext{
		ClientKey: clientKey(r),
		Actor:     r.Header.Get("X-User"),
	})

	status := httpStatusFor(res)
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
	writeJSON(w, status, res)
}

// httpStatusFor maps pipeline outcomes onto HTTP codes.
func httpStatusFor(res supervisor.Result) int {
	switch res.Status {
	case supervisor.StatusAccepted:
		return http.StatusOK
	case supervisor.StatusPendingApproval:
		return http.StatusAccepted
	case supervisor.StatusValidationError:
		return http.StatusBadRequest
	case supervisor.StatusRateLimited:
		return http.StatusTooManyRequests
	case supervisor.StatusBlockedKillSwitch:
		return http.StatusServiceUnavailable
	}

	switch res.ErrorCode {
	case supervisor.ErrApprovalTimeout:
		return http.StatusRequestTimeout
	case supervisor.ErrWorkerTimeout:
		return http.StatusGatewayTimeout
	case supervisor.ErrWorkerUnavailable:
		return http.StatusServiceUnavailable
	case supervisor.ErrCapabilityDenied, supervisor.ErrApprovalDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := approval.Filter{
		SessionID: r.URL.Query().Get("session_id"),
		Actor:     r.URL.Query().Get("actor"),
	}
	entries := s.queue.ListPending(filter)
	if entries == nil {
		entries = []*approval.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": entries,
		"count":   len(entries),
	})
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

// decide applies an out-of-band decision. When the submitter is still
// blocked in WaitForDecision, closing the signal wakes it and it owns
// dispatch. When nobody waits, an approval dispatches here.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id := mux.Vars(r)["id"]

	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DecidedBy == "" {
		req.DecidedBy = "operator"
	}

	entry, found := s.queue.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "approval not found or already resolved")
		return
	}

	var (
		state     approval.EntryState
		performed bool
		err       error
	)
	if approve {
		state, performed, err = s.queue.Approve(id, req.DecidedBy)
	} else {
		state, performed, err = s.queue.Deny(id, req.DecidedBy)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	slog.Info("approval decided", "id", id, "state", state, "by", req.DecidedBy)

	resp := map[string]interface{}{
		"id":    id,
		"state": state,
	}
	// Dispatch only from the call that performed the transition, and only
	// for fire-and-forget submissions; a blocked waiter observes the
	// decision itself and owns dispatch for its own call. A repeated
	// decision reports the earlier state and does nothing.
	if performed && !entry.Waited {
		if approve {
			resp["result"] = s.sup.DispatchApproved(entry)
		} else {
			s.sup.ResolveDenied(entry, false)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
