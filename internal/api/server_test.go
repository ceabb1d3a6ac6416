package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reverie-ai/reverie/internal/retrieval"
	"github.com/reverie-ai/reverie/pkg/memory"
	memmock "github.com/reverie-ai/reverie/pkg/memory/mock"
)

// stubRetriever returns a canned result or error.
type stubRetriever struct {
	result *retrieval.Result
	err    error
	last   retrieval.Query
}

func (s *stubRetriever) RetrieveContext(_ context.Context, q retrieval.Query) (*retrieval.Result, error) {
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	if q.Message == "" {
		return nil, retrieval.ErrEmptyMessage
	}
	if s.result != nil {
		return s.result, nil
	}
	return &retrieval.Result{Facts: []memory.Fact{}, Snippets: []memory.SnippetResult{}}, nil
}

type apiFixture struct {
	server    *httptest.Server
	retriever *stubRetriever
	facts     *memmock.FactStore
	snippets  *memmock.SnippetIndex
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		retriever: &stubRetriever{},
		facts:     &memmock.FactStore{},
		snippets:  &memmock.SnippetIndex{},
	}
	s, err := NewServer(f.retriever, f.facts, f.snippets)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	f.server = httptest.NewServer(s.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// ── /v1/retrieve-context ─────────────────────────────────────────────────────

// TestRetrieveContext_OK checks the response shape on success.
func TestRetrieveContext_OK(t *testing.T) {
	f := newAPIFixture(t)
	f.retriever.result = &retrieval.Result{
		Facts: []memory.Fact{{
			Type: memory.FactRelationship, Key: "pet_name", Value: "Max",
			LastUpdated: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		}},
		Snippets: []memory.SnippetResult{{
			Snippet:    memory.ConversationSnippet{ID: "s1", Content: "past chat"},
			Similarity: 0.9,
		}},
		Degraded: false,
		Context:  "=== Known Facts ===\n- pet_name: Max\n",
	}

	resp := f.do(t, http.MethodPost, "/v1/retrieve-context",
		`{"user_id":"u1","character_id":"sarah","message":"what's my dog called?","max_facts":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decode[struct {
		Facts []struct {
			FactType  string `json:"fact_type"`
			FactKey   string `json:"fact_key"`
			FactValue string `json:"fact_value"`
		} `json:"facts"`
		Snippets []struct {
			ID         string  `json:"id"`
			Similarity float64 `json:"similarity"`
		} `json:"snippets"`
		Degraded bool   `json:"degraded"`
		Context  string `json:"context"`
	}](t, resp)

	if len(body.Facts) != 1 || body.Facts[0].FactKey != "pet_name" {
		t.Errorf("unexpected facts: %+v", body.Facts)
	}
	if len(body.Snippets) != 1 || body.Snippets[0].ID != "s1" {
		t.Errorf("unexpected snippets: %+v", body.Snippets)
	}
	if !strings.Contains(body.Context, "pet_name: Max") {
		t.Errorf("unexpected context: %q", body.Context)
	}
	if f.retriever.last.MaxFacts != 5 {
		t.Errorf("max_facts not forwarded: %+v", f.retriever.last)
	}
}

// TestRetrieveContext_EmptyMessage checks the 400 mapping.
func TestRetrieveContext_EmptyMessage(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/retrieve-context",
		`{"user_id":"u1","character_id":"sarah","message":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// TestRetrieveContext_BothSourcesDown checks the 503 mapping.
func TestRetrieveContext_BothSourcesDown(t *testing.T) {
	f := newAPIFixture(t)
	f.retriever.err = retrieval.ErrBothSourcesFailed

	resp := f.do(t, http.MethodPost, "/v1/retrieve-context",
		`{"user_id":"u1","character_id":"sarah","message":"hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

// TestRetrieveContext_BadJSON checks malformed body handling.
func TestRetrieveContext_BadJSON(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/retrieve-context", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// ── /v1/facts ────────────────────────────────────────────────────────────────

// TestUpsertFact_OK checks manual fact seeding.
func TestUpsertFact_OK(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/facts",
		`{"user_id":"u1","character_id":"sarah","fact_type":"preference","fact_key":"favorite_food","fact_value":"sushi"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	facts := f.facts.UpsertedFacts()
	if len(facts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(facts))
	}
	got := facts[0]
	if got.Type != memory.FactPreference || got.Key != "favorite_food" || got.Value != "sushi" {
		t.Errorf("unexpected fact: %+v", got)
	}
	if got.LastUpdated.IsZero() {
		t.Error("expected default last_updated to be set")
	}
}

// TestUpsertFact_Validation checks field validation.
func TestUpsertFact_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"user_id":"u1","character_id":"sarah","fact_type":"mood","fact_key":"k","fact_value":"v"}`},
		{"missing tenant", `{"fact_type":"preference","fact_key":"k","fact_value":"v"}`},
		{"missing key", `{"user_id":"u1","character_id":"sarah","fact_type":"preference","fact_value":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			resp := f.do(t, http.MethodPost, "/v1/facts", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if n := len(f.facts.UpsertedFacts()); n != 0 {
				t.Errorf("invalid fact reached the store")
			}
		})
	}
}

// ── GET /v1/facts/{userID}/{characterID} ─────────────────────────────────────

// TestGetFacts_FilterForwarded checks the fact_type query parameter.
func TestGetFacts_FilterForwarded(t *testing.T) {
	f := newAPIFixture(t)
	f.facts.GetFactsResult = []memory.Fact{{
		Type: memory.FactGoal, Key: "marathon", Value: "run a marathon",
	}}

	resp := f.do(t, http.MethodGet, "/v1/facts/u1/sarah?fact_type=goal", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[struct {
		Facts []struct {
			FactKey string `json:"fact_key"`
		} `json:"facts"`
	}](t, resp)
	if len(body.Facts) != 1 || body.Facts[0].FactKey != "marathon" {
		t.Errorf("unexpected facts: %+v", body.Facts)
	}
}

// TestGetFacts_UnknownType checks fact_type validation.
func TestGetFacts_UnknownType(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/facts/u1/sarah?fact_type=mood", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// ── DELETE /v1/memory ────────────────────────────────────────────────────────

// TestDeleteMemory_CascadesBothStores checks counts and scoping.
func TestDeleteMemory_CascadesBothStores(t *testing.T) {
	f := newAPIFixture(t)
	f.facts.DeleteFactsResult = 3
	f.snippets.DeleteSnippetsResult = 7

	resp := f.do(t, http.MethodDelete, "/v1/memory/u1/sarah", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[struct {
		FactsDeleted    int64 `json:"facts_deleted"`
		SnippetsDeleted int64 `json:"snippets_deleted"`
	}](t, resp)
	if body.FactsDeleted != 3 || body.SnippetsDeleted != 7 {
		t.Errorf("unexpected counts: %+v", body)
	}
}

// TestDeleteMemory_UserWide checks the all-characters variant.
func TestDeleteMemory_UserWide(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodDelete, "/v1/memory/u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for _, c := range f.facts.Calls() {
		if c.Method == "DeleteFacts" {
			if character := c.Args[1].(string); character != "" {
				t.Errorf("expected empty character scope, got %q", character)
			}
		}
	}
}

// TestDeleteMemory_PartialFailure checks that a failing store surfaces as an
// error rather than a silent partial delete.
func TestDeleteMemory_PartialFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.snippets.DeleteSnippetsErr = errors.New("index down")

	resp := f.do(t, http.MethodDelete, "/v1/memory/u1/sarah", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

// ── stats ────────────────────────────────────────────────────────────────────

// TestStats checks the per-tenant counters.
func TestStats(t *testing.T) {
	f := newAPIFixture(t)
	f.facts.CountFactsByTypeResult = map[memory.FactType]int{
		memory.FactPreference:   2,
		memory.FactRelationship: 1,
	}
	f.snippets.CountSnippetsResult = 12

	resp := f.do(t, http.MethodGet, "/v1/memory/u1/sarah/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[struct {
		FactCount    int            `json:"fact_count"`
		FactsByType  map[string]int `json:"facts_by_type"`
		SnippetCount int            `json:"snippet_count"`
	}](t, resp)
	if body.FactCount != 3 {
		t.Errorf("expected 3 facts, got %d", body.FactCount)
	}
	if body.FactsByType["preference"] != 2 {
		t.Errorf("unexpected by-type map: %+v", body.FactsByType)
	}
	if body.SnippetCount != 12 {
		t.Errorf("expected 12 snippets, got %d", body.SnippetCount)
	}
}
