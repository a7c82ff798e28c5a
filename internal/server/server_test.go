package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/notify"
	"github.com/lodestone-ai/lodestone/internal/owners"
	"github.com/lodestone-ai/lodestone/internal/ratelimit"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/server"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/testutil"
	"github.com/lodestone-ai/lodestone/internal/workflow"
)

// fakeRunStore satisfies workflow.RunStore in memory. Runs created
// through it are executed by a no-op handler, so handler tests observe
// only the acceptance path.
type fakeRunStore struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]model.Run
	steps map[string]model.StepResult
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:  make(map[uuid.UUID]model.Run),
		steps: make(map[string]model.StepResult),
	}
}

func (f *fakeRunStore) CreateRun(_ context.Context, owner, url string) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := model.Run{ID: uuid.New(), Owner: owner, URL: url, Status: model.RunStatusPending, CreatedAt: time.Now()}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRunStore) MarkRunRunning(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	run.Status = model.RunStatusRunning
	f.runs[id] = run
	return nil
}

func (f *fakeRunStore) CompleteRun(_ context.Context, id uuid.UUID, status model.RunStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	run.Status = status
	if lastError != "" {
		run.LastError = &lastError
	}
	f.runs[id] = run
	return nil
}

func (f *fakeRunStore) ListUnfinishedRuns(context.Context) ([]model.Run, error) { return nil, nil }

func (f *fakeRunStore) CountUnfinishedRuns(context.Context) (int64, error) { return 0, nil }

func (f *fakeRunStore) GetStepResult(_ context.Context, runID uuid.UUID, stepName string) (model.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.steps[runID.String()+"/"+stepName]
	if !ok {
		return model.StepResult{}, storage.ErrNotFound
	}
	return res, nil
}

func (f *fakeRunStore) RecordStepSuccess(_ context.Context, runID uuid.UUID, stepName string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[runID.String()+"/"+stepName] = model.StepResult{RunID: runID, StepName: stepName, Status: model.StepStatusSuccess, Value: value}
	return nil
}

func (f *fakeRunStore) RecordStepFailure(_ context.Context, runID uuid.UUID, stepName, kind, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[runID.String()+"/"+stepName] = model.StepResult{RunID: runID, StepName: stepName, Status: model.StepStatusFailure, ErrorKind: kind, Error: detail}
	return nil
}

type memLinkStore struct {
	mu     sync.Mutex
	nextID int64
	links  []model.Link
	refs   []model.VectorRef
}

func (m *memLinkStore) InsertLink(_ context.Context, owner, url string) (model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Owner == owner && l.URL == url {
			return model.Link{}, storage.ErrDuplicateURL
		}
	}
	m.nextID++
	link := model.Link{ID: m.nextID, Owner: owner, URL: url, CreatedAt: time.Now()}
	m.links = append(m.links, link)
	return link, nil
}

func (m *memLinkStore) ListLinks(_ context.Context, owner string) ([]model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Link
	for _, l := range m.links {
		if l.Owner == owner {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLinkStore) GetLink(_ context.Context, owner string, id int64) (model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Owner == owner && l.ID == id {
			return l, nil
		}
	}
	return model.Link{}, storage.ErrNotFound
}

func (m *memLinkStore) DeleteLink(_ context.Context, owner string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.links {
		if l.Owner == owner && l.ID == id {
			m.links = append(m.links[:i], m.links[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memLinkStore) InsertVectorRefs(context.Context, int64, []string) error { return nil }

func (m *memLinkStore) ListVectorRefs(context.Context, int64) ([]model.VectorRef, error) {
	return nil, nil
}

type fakeIndex struct{ matches []search.Match }

func (f *fakeIndex) Upsert(context.Context, string, string, []float32, map[string]string) error {
	return nil
}

func (f *fakeIndex) Query(context.Context, string, []float32, int) ([]search.Match, error) {
	return f.matches, nil
}

func (f *fakeIndex) Delete(context.Context, []string) error { return nil }

func (f *fakeIndex) Healthy(context.Context) error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 3 }

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Notify(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

type serverFixture struct {
	handler  http.Handler
	owners   *owners.Store
	notifier *fakeNotifier
	index    *fakeIndex
	runner   *workflow.Runner
}

func newServerFixture(t *testing.T, limiter ratelimit.Limiter) *serverFixture {
	t.Helper()
	logger := testutil.TestLogger()

	runner, err := workflow.NewRunner(
		newFakeRunStore(),
		func(context.Context, *workflow.Run) error { return nil },
		workflow.Policy{StepTimeout: time.Second, Attempts: 1, BaseDelay: time.Millisecond},
		2,
		logger,
	)
	require.NoError(t, err)
	t.Cleanup(runner.Close)

	index := &fakeIndex{}
	ownerStore := owners.New(&memLinkStore{}, index, fakeEmbedder{}, logger)
	notifier := &fakeNotifier{}

	srv := server.New(server.ServerConfig{
		Runner:              runner,
		Owners:              ownerStore,
		Index:               index,
		Notifier:            notifier,
		Logger:              logger,
		Limiter:             limiter,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 4096,
	})

	return &serverFixture{
		handler:  srv.Handler(),
		owners:   ownerStore,
		notifier: notifier,
		index:    index,
		runner:   runner,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) model.ResponseMeta {
	t.Helper()
	var env struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestAddLink_Accepted(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/links",
		`{"owner":"a@example.com","url":"https://example.com/article"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp model.AddLinkResponse
	meta := decodeEnvelope(t, rec, &resp)
	assert.Equal(t, string(model.RunStatusPending), resp.Status)
	_, err := uuid.Parse(resp.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.RequestID)
	assert.False(t, meta.Timestamp.IsZero())
}

func TestAddLink_Validation(t *testing.T) {
	fx := newServerFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"owner":`},
		{name: "unknown field", body: `{"owner":"a@example.com","url":"https://example.com","extra":1}`},
		{name: "missing owner", body: `{"url":"https://example.com"}`},
		{name: "bad owner", body: `{"owner":"not-an-email","url":"https://example.com"}`},
		{name: "bad scheme", body: `{"owner":"a@example.com","url":"file:///etc/passwd"}`},
		{name: "localhost target", body: `{"owner":"a@example.com","url":"http://127.0.0.1/admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, fx.handler, http.MethodPost, "/v1/links", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
		})
	}
}

func TestAddLink_BodyTooLarge(t *testing.T) {
	fx := newServerFixture(t, nil)

	big := `{"owner":"a@example.com","url":"https://example.com","pad":"` +
		strings.Repeat("x", 8192) + `"}`
	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/links", big)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLinks(t *testing.T) {
	fx := newServerFixture(t, nil)
	ctx := context.Background()

	_, err := fx.owners.AddLink(ctx, "a@example.com", "https://example.com/1")
	require.NoError(t, err)
	_, err = fx.owners.AddLink(ctx, "a@example.com", "https://example.com/2")
	require.NoError(t, err)

	rec := doJSON(t, fx.handler, http.MethodGet, "/v1/links/a@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var links []model.Link
	decodeEnvelope(t, rec, &links)
	require.Len(t, links, 2)
	assert.Equal(t, "https://example.com/1", links[0].URL)
	assert.Equal(t, "https://example.com/2", links[1].URL)
}

func TestListLinks_BadOwner(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.handler, http.MethodGet, "/v1/links/not-an-email", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteLink(t *testing.T) {
	fx := newServerFixture(t, nil)
	ctx := context.Background()

	link, err := fx.owners.AddLink(ctx, "a@example.com", "https://example.com/1")
	require.NoError(t, err)

	rec := doJSON(t, fx.handler, http.MethodDelete,
		fmt.Sprintf("/v1/links/a@example.com/%d", link.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	links, err := fx.owners.GetLinks(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestDeleteLink_NotFound(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.handler, http.MethodDelete, "/v1/links/a@example.com/42", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestDeleteLink_BadID(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.handler, http.MethodDelete, "/v1/links/a@example.com/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_NoMatch(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/query",
		`{"owner":"a@example.com","query":"that article about databases"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.QueryResponse
	decodeEnvelope(t, rec, &resp)
	assert.False(t, resp.Found)
	assert.Empty(t, resp.URL)

	// The owner still gets a result email, even for a miss.
	require.Len(t, fx.notifier.messages, 1)
	assert.Equal(t, "Link search result", fx.notifier.messages[0].Subject)
}

func TestQuery_Match(t *testing.T) {
	fx := newServerFixture(t, nil)
	ctx := context.Background()

	link, err := fx.owners.AddLink(ctx, "a@example.com", "https://example.com/db-article")
	require.NoError(t, err)
	fx.index.matches = []search.Match{{
		VectorID: model.VectorID("a@example.com", link.ID, 0),
		Score:    0.91,
		Metadata: map[string]string{search.MetaURL: link.URL, search.MetaLinkID: "1"},
	}}

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/query",
		`{"owner":"a@example.com","query":"that article about databases"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.QueryResponse
	decodeEnvelope(t, rec, &resp)
	assert.True(t, resp.Found)
	assert.Equal(t, "https://example.com/db-article", resp.URL)
	assert.Equal(t, link.ID, resp.LinkID)
	assert.InDelta(t, 0.91, resp.Score, 1e-6)

	require.Len(t, fx.notifier.messages, 1)
	assert.Contains(t, fx.notifier.messages[0].TextBody, "https://example.com/db-article")
}

func TestQuery_Validation(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/query", `{"owner":"a@example.com","query":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodPost, "/v1/query", `{"owner":"nope","query":"q"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_InvalidID(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.handler, http.MethodGet, "/v1/runs/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	fx := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/links/a@example.com", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-12345", rec.Header().Get("X-Request-ID"))
	meta := decodeEnvelope(t, rec, nil)
	assert.Equal(t, "req-12345", meta.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.handler, http.MethodGet, "/v1/links/a@example.com", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	fx := newServerFixture(t, limiter)

	body := `{"owner":"a@example.com","url":"https://example.com/one"}`
	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/links", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodPost, "/v1/links",
		`{"owner":"a@example.com","url":"https://example.com/two"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, rec).Code)

	// Reads stay unthrottled.
	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/links/a@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
