package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/siggame/pyrena-arena/internal/bracket"
	"github.com/siggame/pyrena-arena/internal/models"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

type stubBracket struct {
	arena  *bracket.Arena
	bestOf int
}

func (s stubBracket) Snapshot() (*bracket.Arena, int) { return s.arena, s.bestOf }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	h := New(Config{})
	rec := get(t, h.Router(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
}

func TestReadyReflectsDependencyHealth(t *testing.T) {
	h := New(Config{Postgres: stubPinger{}, Redis: stubPinger{}})
	rec := get(t, h.Router(), "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d, want 200 with healthy dependencies", rec.Code)
	}

	h = New(Config{Postgres: stubPinger{err: fmt.Errorf("down")}, Redis: stubPinger{}})
	rec = get(t, h.Router(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 with postgres down", rec.Code)
	}
	var body struct {
		Ready  bool            `json:"ready"`
		Checks map[string]bool `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Ready || body.Checks["postgres"] {
		t.Errorf("expected postgres check to report false: %+v", body)
	}
}

func TestBracketEndpointsWithoutSourceReturn404(t *testing.T) {
	h := New(Config{})
	if rec := get(t, h.Router(), "/bracket.dot"); rec.Code != http.StatusNotFound {
		t.Errorf("/bracket.dot = %d, want 404 without a bracket source", rec.Code)
	}
	if rec := get(t, h.Router(), "/bracket.json"); rec.Code != http.StatusNotFound {
		t.Errorf("/bracket.json = %d, want 404 without a bracket source", rec.Code)
	}
}

func TestBracketDotServesDigraph(t *testing.T) {
	arena := &bracket.Arena{}
	node := &bracket.Node{
		Submissions: []models.Submission{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
		WinnerChild: -1,
		LoserChild:  -1,
	}
	arena.Nodes = append(arena.Nodes, node)

	h := New(Config{Bracket: stubBracket{arena: arena, bestOf: 1}})
	rec := get(t, h.Router(), "/bracket.dot")
	if rec.Code != http.StatusOK {
		t.Fatalf("/bracket.dot = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "digraph bracket {") {
		t.Errorf("expected DOT output, got %q", rec.Body.String())
	}
}

func TestBracketJSONServesSummaries(t *testing.T) {
	arena := &bracket.Arena{}
	arena.Nodes = append(arena.Nodes, &bracket.Node{
		Submissions: []models.Submission{{ID: 1, Name: "a"}},
		WinnerChild: -1,
		LoserChild:  -1,
	})

	h := New(Config{Bracket: stubBracket{arena: arena, bestOf: 1}})
	rec := get(t, h.Router(), "/bracket.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("/bracket.json = %d, want 200", rec.Code)
	}
	var summaries []bracket.NodeSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode summaries: %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Submissions) != 1 {
		t.Errorf("unexpected summaries: %+v", summaries)
	}
}
