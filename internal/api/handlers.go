package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reverie-ai/reverie/internal/retrieval"
	"github.com/reverie-ai/reverie/pkg/memory"
)

// factJSON is the wire form of a stored fact.
type factJSON struct {
	FactType    string    `json:"fact_type"`
	FactKey     string    `json:"fact_key"`
	FactValue   string    `json:"fact_value"`
	LastUpdated time.Time `json:"last_updated"`
}

// snippetJSON is the wire form of a retrieved snippet.
type snippetJSON struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

func toFactJSON(f memory.Fact) factJSON {
	return factJSON{
		FactType:    string(f.Type),
		FactKey:     f.Key,
		FactValue:   f.Value,
		LastUpdated: f.LastUpdated,
	}
}

// handleRetrieveContext runs a memory retrieval for a live user message.
func (s *Server) handleRetrieveContext() http.HandlerFunc {
	type request struct {
		UserID      string `json:"user_id"`
		CharacterID string `json:"character_id"`
		Message     string `json:"message"`
		MaxFacts    int    `json:"max_facts"`
		MaxSnippets int    `json:"max_snippets"`
	}
	type response struct {
		Facts    []factJSON    `json:"facts"`
		Snippets []snippetJSON `json:"snippets"`
		Degraded bool          `json:"degraded"`
		Context  string        `json:"context"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		res, err := s.retriever.RetrieveContext(r.Context(), retrieval.Query{
			UserID:      req.UserID,
			CharacterID: req.CharacterID,
			Message:     req.Message,
			MaxFacts:    req.MaxFacts,
			MaxSnippets: req.MaxSnippets,
		})
		switch {
		case errors.Is(err, retrieval.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, retrieval.ErrBothSourcesFailed):
			s.logger.Error("retrieval failed", "err", err, "user_id", req.UserID)
			writeError(w, http.StatusServiceUnavailable, "memory temporarily unavailable")
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp := response{
			Facts:    make([]factJSON, 0, len(res.Facts)),
			Snippets: make([]snippetJSON, 0, len(res.Snippets)),
			Degraded: res.Degraded,
			Context:  res.Context,
		}
		for _, f := range res.Facts {
			resp.Facts = append(resp.Facts, toFactJSON(f))
		}
		for _, sr := range res.Snippets {
			resp.Snippets = append(resp.Snippets, snippetJSON{
				ID:         sr.Snippet.ID,
				Content:    sr.Snippet.Content,
				Similarity: sr.Similarity,
				CreatedAt:  sr.Snippet.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleUpsertFact stores one fact directly, bypassing extraction. Used by
// character authors to seed memories.
func (s *Server) handleUpsertFact() http.HandlerFunc {
	type request struct {
		UserID      string     `json:"user_id"`
		CharacterID string     `json:"character_id"`
		FactType    string     `json:"fact_type"`
		FactKey     string     `json:"fact_key"`
		FactValue   string     `json:"fact_value"`
		LastUpdated *time.Time `json:"last_updated,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID == "" || req.CharacterID == "" {
			writeError(w, http.StatusBadRequest, "user_id and character_id are required")
			return
		}
		ft := memory.FactType(req.FactType)
		if !ft.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown fact_type "+req.FactType)
			return
		}
		if req.FactKey == "" || req.FactValue == "" {
			writeError(w, http.StatusBadRequest, "fact_key and fact_value are required")
			return
		}

		updated := time.Now().UTC()
		if req.LastUpdated != nil {
			updated = *req.LastUpdated
		}

		fact := memory.Fact{
			UserID:      req.UserID,
			CharacterID: req.CharacterID,
			Type:        ft,
			Key:         req.FactKey,
			Value:       req.FactValue,
			LastUpdated: updated,
		}
		if err := s.facts.UpsertFact(r.Context(), fact); err != nil {
			s.logger.Error("fact upsert failed", "err", err, "user_id", req.UserID)
			writeError(w, http.StatusInternalServerError, "fact upsert failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleGetFacts lists a tenant's facts, optionally filtered by type.
func (s *Server) handleGetFacts() http.HandlerFunc {
	type response struct {
		Facts []factJSON `json:"facts"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		characterID := chi.URLParam(r, "characterID")

		var opts []memory.FactQueryOpt
		if raw := r.URL.Query().Get("fact_type"); raw != "" {
			ft := memory.FactType(raw)
			if !ft.IsValid() {
				writeError(w, http.StatusBadRequest, "unknown fact_type "+raw)
				return
			}
			opts = append(opts, memory.WithFactTypes(ft))
		}

		facts, err := s.facts.GetFacts(r.Context(), userID, characterID, opts...)
		if err != nil {
			s.logger.Error("fact listing failed", "err", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "fact listing failed")
			return
		}

		resp := response{Facts: make([]factJSON, 0, len(facts))}
		for _, f := range facts {
			resp.Facts = append(resp.Facts, toFactJSON(f))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleDeleteMemory erases a tenant's memory from both stores. Without a
// characterID the cascade covers every character the user talked to.
func (s *Server) handleDeleteMemory() http.HandlerFunc {
	type response struct {
		FactsDeleted    int64 `json:"facts_deleted"`
		SnippetsDeleted int64 `json:"snippets_deleted"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		characterID := chi.URLParam(r, "characterID")

		facts, factErr := s.facts.DeleteFacts(r.Context(), userID, characterID)
		snippets, snipErr := s.snippets.DeleteSnippets(r.Context(), userID, characterID)
		if err := errors.Join(factErr, snipErr); err != nil {
			// Partial deletion is reported as a failure; the caller retries
			// and the completed half is a no-op.
			s.logger.Error("memory deletion failed", "err", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "memory deletion failed")
			return
		}

		s.logger.Info("memory deleted",
			"user_id", userID, "character_id", characterID,
			"facts", facts, "snippets", snippets)
		writeJSON(w, http.StatusOK, response{
			FactsDeleted:    facts,
			SnippetsDeleted: snippets,
		})
	}
}

// handleStats reports per-tenant memory counts.
func (s *Server) handleStats() http.HandlerFunc {
	type response struct {
		FactCount    int                     `json:"fact_count"`
		FactsByType  map[memory.FactType]int `json:"facts_by_type"`
		SnippetCount int                     `json:"snippet_count"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		characterID := chi.URLParam(r, "characterID")

		byType, err := s.facts.CountFactsByType(r.Context(), userID, characterID)
		if err != nil {
			s.logger.Error("fact stats failed", "err", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		snippetCount, err := s.snippets.CountSnippets(r.Context(), userID, characterID)
		if err != nil {
			s.logger.Error("snippet stats failed", "err", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}

		total := 0
		for _, n := range byType {
			total += n
		}
		writeJSON(w, http.StatusOK, response{
			FactCount:    total,
			FactsByType:  byType,
			SnippetCount: snippetCount,
		})
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
