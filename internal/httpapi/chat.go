package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/trafficlaw/internal/rag"
)

// genericFailure is the only detail callers see for pipeline failures.
const genericFailure = "Failed to generate response"

type chatResponse struct {
	Answer        string   `json:"answer"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req rag.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object with session_id and query")
		return
	}

	resp, err := s.chat.Respond(r.Context(), req)
	if err != nil {
		status, code, msg := classifyChatError(err)
		respondError(w, status, code, msg)
		return
	}

	docs := resp.RetrievedDocs
	if docs == nil {
		docs = []string{}
	}
	w.Header().Set("X-Turn-ID", resp.TurnID)
	respondJSON(w, http.StatusOK, chatResponse{Answer: resp.Answer, RetrievedDocs: docs})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.chat.ClearSession(chi.URLParam(r, "session_id"))
	if err != nil {
		status, code, msg := classifyChatError(err)
		respondError(w, status, code, msg)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// classifyChatError maps pipeline errors onto HTTP status, code and a
// caller-safe message. Only validation failures expose their reason.
func classifyChatError(err error) (int, string, string) {
	var verr *rag.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, "validation_failed", verr.Reason
	}
	code := rag.ErrorCode(err)
	if code == "internal_error" {
		code = "generation_failed"
	}
	return http.StatusInternalServerError, code, genericFailure
}
