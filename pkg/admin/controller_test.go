package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stocktracker/mailqueue/pkg/api"
	"github.com/stocktracker/mailqueue/pkg/apiresponses"
	"github.com/stocktracker/mailqueue/pkg/audit"
	"github.com/stocktracker/mailqueue/pkg/mail"
	"github.com/stocktracker/mailqueue/pkg/metrics"
	"github.com/stocktracker/mailqueue/pkg/queue"
	"github.com/stocktracker/mailqueue/pkg/system"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingSink) Write(_ context.Context, e *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Close() error { return nil }
func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) ofType(t audit.EventType) []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	router *gin.Engine
	store  *queue.BoltStore
	clock  *testingclock.FakeClock
	sink   *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLogger(t, system.NewTestLogger())
}

func newFixtureWithLogger(t *testing.T, log *zap.SugaredLogger) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := queue.OpenBoltStore(filepath.Join(t.TempDir(), "queue.db"), queue.WithBoltClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := &recordingSink{}
	events := audit.NewManager(sink, system.NewTestZapLogger())
	svc := mail.NewService(store, events, mail.ServiceConfig{AllowedRecipients: []string{"*@example.com"}}, system.NewTestLogger())

	setUser := func(c *gin.Context) {
		c.Set(api.ContextKeyUser, "ops@example.com")
		c.Next()
	}
	ctrl := NewEmailQueueController(log, store, svc, events, setUser).WithClock(clk)

	r := gin.New()
	require.NoError(t, ctrl.Register(r.Group("/api/"+ctrl.BasePath(), ctrl.Handlers()...)))
	return &fixture{router: r, store: store, clock: clk, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/admin/email-queue"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// seed enqueues n jobs one minute apart and returns their ids, oldest first.
func (f *fixture) seed(t *testing.T, n int, subject string) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := range n {
		id, err := f.store.Enqueue(context.Background(), "user@example.com", subject, "<p>body</p>")
		require.NoError(t, err, "job %d", i)
		ids = append(ids, id)
		f.clock.Step(time.Minute)
	}
	return ids
}

func (f *fixture) fail(t *testing.T, id string, attempts int) {
	t.Helper()
	job, err := f.store.Claim(context.Background(), id, f.clock.Now(), queue.EligibilityPolicy{MaxAttempts: attempts})
	require.NoError(t, err)
	require.NotNil(t, job)
	job.Status = queue.StatusFailed
	job.Attempts = attempts
	job.Error = "failed after 4 attempt(s): smtp down"
	require.NoError(t, f.store.Save(context.Background(), job))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestController_BasePath(t *testing.T) {
	ctrl := NewEmailQueueController(system.NewTestLogger(), nil, nil, nil)
	assert.Equal(t, "admin/email-queue", ctrl.BasePath())
	assert.Empty(t, ctrl.Handlers())
}

func TestController_Stats(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 3, "Verify")
	f.fail(t, ids[0], 5)

	w := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode[queue.Stats](t, w)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Last24Hours)
	assert.Equal(t, 2, stats.Count(queue.StatusPending))
	assert.Equal(t, 1, stats.Count(queue.StatusFailed))

	f.clock.Step(25 * time.Hour)
	stats = decode[queue.Stats](t, f.do(t, http.MethodGet, "/stats", nil))
	assert.Zero(t, stats.Last24Hours)
}

func TestController_List(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 12, "Verify Your Email Address")
	f.seed(t, 1, "Password Reset Request")
	f.fail(t, ids[0], 5)

	tests := []struct {
		name        string
		query       string
		wantCode    int
		wantLen     int
		wantTotal   int
		wantPages   int
		wantCurrent int
	}{
		{name: "defaults", query: "", wantCode: http.StatusOK, wantLen: 10, wantTotal: 13, wantPages: 2, wantCurrent: 1},
		{name: "second page", query: "?page=2", wantCode: http.StatusOK, wantLen: 3, wantTotal: 13, wantPages: 2, wantCurrent: 2},
		{name: "limit capped", query: "?limit=500", wantCode: http.StatusOK, wantLen: 13, wantTotal: 13, wantPages: 1, wantCurrent: 1},
		{name: "bad numbers fall back", query: "?page=abc&limit=-3", wantCode: http.StatusOK, wantLen: 10, wantTotal: 13, wantPages: 2, wantCurrent: 1},
		{name: "status filter", query: "?status=failed", wantCode: http.StatusOK, wantLen: 1, wantTotal: 1, wantPages: 1, wantCurrent: 1},
		{name: "search subject", query: "?search=reset", wantCode: http.StatusOK, wantLen: 1, wantTotal: 1, wantPages: 1, wantCurrent: 1},
		{name: "page past end", query: "?page=9", wantCode: http.StatusOK, wantLen: 0, wantTotal: 13, wantPages: 2, wantCurrent: 9},
		{name: "invalid status", query: "?status=bogus", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.query, nil)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			page := decode[queue.Page](t, w)
			assert.Len(t, page.Jobs, tt.wantLen)
			assert.Equal(t, tt.wantTotal, page.Total)
			assert.Equal(t, tt.wantPages, page.Pages)
			assert.Equal(t, tt.wantCurrent, page.CurrentPage)
			assert.Contains(t, w.Body.String(), `"emails":[`)
		})
	}
}

func TestController_ListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 3, "Welcome")

	page := decode[queue.Page](t, f.do(t, http.MethodGet, "", nil))
	require.Len(t, page.Jobs, 3)
	assert.Equal(t, ids[2], page.Jobs[0].ID)
	assert.Equal(t, ids[0], page.Jobs[2].ID)
}

func TestController_Get(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 1, "Welcome")

	w := f.do(t, http.MethodGet, "/"+ids[0], nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[queue.Job](t, w)
	assert.Equal(t, ids[0], job.ID)
	assert.Equal(t, queue.StatusPending, job.Status)

	w = f.do(t, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apiresponses.CodeNotFound, decode[apiresponses.APIError](t, w).Code)
}

func TestController_Retry(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 2, "Verify")
	f.fail(t, ids[0], 5)
	f.fail(t, ids[1], 2)

	before := testutil.ToFloat64(metrics.JobsReset)
	w := f.do(t, http.MethodPost, "/retry", RetryRequest{IDs: []string{ids[0], ids[1], "unknown"}})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[RetryResponse](t, w)
	assert.Equal(t, "Emails queued for retry", resp.Message)
	assert.Equal(t, 2, resp.Matched)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.JobsReset))

	job, err := f.store.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 5, job.Attempts, "reset keeps the lifetime attempt counter")
	assert.Empty(t, job.Error)

	resets := f.sink.ofType(audit.EventJobReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "ops@example.com", resets[0].Actor.User)
	assert.Equal(t, 2, resets[0].Details["matched"])
}

func TestController_RetryValidation(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]any{
		"empty ids":   RetryRequest{IDs: []string{}},
		"missing ids": map[string]any{},
		"blank id":    RetryRequest{IDs: []string{""}},
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/retry", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, f.sink.ofType(audit.EventJobReset))
}

func TestController_Enqueue(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "", EnqueueRequest{To: "user@example.com", Subject: "Hello", HTML: "<p>hi</p>"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[EnqueueResponse](t, w).ID
	require.NotEmpty(t, id)

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Len(t, f.sink.ofType(audit.EventJobEnqueued), 1)

	tests := map[string]EnqueueRequest{
		"missing html":    {To: "user@example.com", Subject: "Hello"},
		"bad address":     {To: "nope", Subject: "Hello", HTML: "x"},
		"not allowlisted": {To: "user@other.org", Subject: "Hello", HTML: "x"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "", req).Code)
		})
	}
}

func TestController_RetryLogsCaller(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixtureWithLogger(t, zap.New(core).Sugar())
	ids := f.seed(t, 1, "Verify")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/retry", RetryRequest{IDs: ids}).Code)

	entries := logs.FilterMessage("Emails queued for retry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ops@example.com", entries[0].ContextMap()["user"])
	assert.EqualValues(t, 1, entries[0].ContextMap()["matched"])
}

func TestController_EnqueueTemplate(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/templated", TemplateEnqueueRequest{
		Template: mail.TemplateVerifyEmail,
		To:       "user@example.com",
		Token:    "tok123",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[TemplateEnqueueResponse](t, w)
	require.Len(t, resp.IDs, 1)

	job, err := f.store.Get(context.Background(), resp.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, mail.SubjectVerifyEmail, job.Subject)
	assert.Contains(t, job.HTML, "/verify-email/tok123")
	assert.Len(t, f.sink.ofType(audit.EventJobEnqueued), 1)

	w = f.do(t, http.MethodPost, "/templated", TemplateEnqueueRequest{Template: mail.TemplateAdminNotification, Title: "Backlog"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ids":[]}`, w.Body.String(), "no admin addresses configured")

	tests := map[string]TemplateEnqueueRequest{
		"missing template": {To: "user@example.com"},
		"unknown template": {Template: "newsletter", To: "user@example.com"},
		"missing token":    {Template: mail.TemplatePasswordReset, To: "user@example.com"},
		"not allowlisted":  {Template: mail.TemplateWelcome, To: "user@other.org", FirstName: "Ada"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/templated", req).Code)
		})
	}
}

type brokenStore struct {
	queue.Store
}

func (brokenStore) QueryStats(context.Context, time.Time) (*queue.Stats, error) {
	return nil, &queue.StorageError{Op: "stats", Err: errors.New("connection refused")}
}

func TestController_StoreErrorIsHidden(t *testing.T) {
	ctrl := NewEmailQueueController(system.NewTestLogger(), brokenStore{}, nil, nil)
	r := gin.New()
	require.NoError(t, ctrl.Register(r.Group("/q")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/q/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}
