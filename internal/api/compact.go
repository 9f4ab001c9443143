package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/intelli/agent-gateway/internal/compaction"
)

type compactRequest struct {
	Messages []compaction.Message `json:"messages"`
	Limit    int                  `json:"limit"`
	Force    bool                 `json:"force"`
}

// handleCompact shrinks a conversation history on behalf of an agent
// runtime. Without force, histories under the threshold come back
// unchanged.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.compactor == nil {
		writeError(w, http.StatusNotFound, "compaction_disabled", "no summarizer configured")
		return
	}

	var req compactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "messages are required")
		return
	}

	var (
		out       []compaction.Message
		compacted bool
		err       error
	)
	if req.Force {
		out, err = s.compactor.Compact(r.Context(), req.Messages)
		compacted = err == nil
	} else {
		out, compacted, err = s.compactor.CompactIfNeeded(r.Context(), req.Messages, req.Limit)
	}
	if err != nil {
		slog.Error("compact history", "error", err)
		writeError(w, http.StatusBadGateway, "summarizer_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":         out,
		"compacted":        compacted,
		"estimated_tokens": compaction.EstimateTotal(out),
	})
}
