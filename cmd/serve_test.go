package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/queue"
)

type stubCompletion struct {
	name string
	text string
}

func (s *stubCompletion) Name() string { return s.name }

func (s *stubCompletion) Complete(_ context.Context, _ provider.CompletionRequest) (*provider.CompletionResult, error) {
	return &provider.CompletionResult{Text: s.text}, nil
}

func newServeEnv(t *testing.T) *enrichEnv {
	t.Helper()

	q := queue.New(queue.Options{
		Budgets: map[string]queue.Budget{
			"anthropic": {MaxPerMinute: 1000, MaxPerHour: 10000, MaxConcurrent: 4},
		},
		PollInterval:       2 * time.Millisecond,
		DefaultMaxAttempts: 1,
	})
	c := cache.New(cache.NewMemory(), cache.DefaultConfig())

	reg := provider.NewRegistry()
	reg.RegisterCompletion(&stubCompletion{
		name: "anthropic",
		text: `{"fields":{"identity.legal_name":"Acme AB","identity.org_number":"556793-5183"}}`,
	})

	p := pipeline.New(q, c, reg, pipeline.Options{
		InterStageCooldown: time.Nanosecond,
		MaxStageAttempts:   1,
	})

	env := &enrichEnv{
		Cache:    c,
		Queue:    q,
		Registry: reg,
		Pipeline: p,
		Stages: []pipeline.Stage{{
			Name:           "identity",
			Service:        "anthropic",
			Priority:       10,
			Required:       true,
			GateIdentifier: true,
			Prompt:         "Identify {{.Name}}.",
		}},
	}
	t.Cleanup(env.Close)
	return env
}

func TestHandleEnrich_InvalidBody(t *testing.T) {
	env := newServeEnv(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/enrich", strings.NewReader("{not json"))

	handleEnrich(env)(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnrich_MissingName(t *testing.T) {
	env := newServeEnv(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/enrich", strings.NewReader(`{"orgnr":"556793-5183"}`))

	handleEnrich(env)(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnrich_StreamsSnapshotsThenDone(t *testing.T) {
	env := newServeEnv(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/enrich",
		strings.NewReader(`{"name":"Acme AB","orgnr":"556793-5183"}`))

	handleEnrich(env)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	type line struct {
		Event   string        `json:"event"`
		Error   string        `json:"error"`
		Profile model.Profile `json:"profile"`
	}
	var lines []line
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	require.GreaterOrEqual(t, len(lines), 2)

	assert.Equal(t, "snapshot", lines[0].Event)

	final := lines[len(lines)-1]
	assert.Equal(t, "done", final.Event)
	assert.Empty(t, final.Error)
	assert.Equal(t, model.StatusComplete, final.Profile.Status)
	assert.Equal(t, "Acme AB", final.Profile.Fields[model.FieldLegalName])
	assert.Equal(t, "556793-5183", final.Profile.Fields[model.FieldOrgNumber])
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusTeapot, map[string]string{"status": "short and stout"})

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"short and stout"}`, rec.Body.String())
}
