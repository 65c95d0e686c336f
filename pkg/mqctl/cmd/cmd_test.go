package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocktracker/mailqueue/pkg/mqctl/config"
	"github.com/stocktracker/mailqueue/pkg/queue"
)

// fakeQueueServer serves the admin API from an in-memory job list.
type fakeQueueServer struct {
	mu       sync.Mutex
	jobs     []queue.Job
	retried  []string
	enqueued []map[string]string
	sent     []map[string]any
	token    string
}

func newFakeQueueServer(t *testing.T) (*fakeQueueServer, *httptest.Server) {
	t.Helper()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeQueueServer{token: "secret"}
	for i := 1; i <= 3; i++ {
		f.jobs = append(f.jobs, queue.Job{
			ID: "job-" + strconv.Itoa(i), To: "user" + strconv.Itoa(i) + "@example.com",
			Subject: "Welcome", Status: queue.StatusFailed, Attempts: 5, CreatedAt: created,
		})
	}
	f.jobs = append(f.jobs, queue.Job{ID: "job-4", To: "ok@example.com", Subject: "Hi", Status: queue.StatusCompleted, Attempts: 1, CreatedAt: created})

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQueueServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	if r.URL.Path == "/healthz" {
		reply(http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/api/version" {
		reply(http.StatusOK, map[string]string{"name": "mailqueue", "version": "v9.9.9"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		reply(http.StatusUnauthorized, map[string]string{"error": "missing or invalid token", "code": "UNAUTHORIZED"})
		return
	}
	const base = "/api/admin/email-queue"
	switch {
	case r.URL.Path == base+"/stats":
		reply(http.StatusOK, queue.Stats{
			ByStatus: []queue.StatusCount{{Status: queue.StatusFailed, Count: 3, AvgAttempts: 5}, {Status: queue.StatusCompleted, Count: 1, AvgAttempts: 1}},
			Total:    4,
		})
	case r.URL.Path == base+"/retry":
		var body struct{ IDs []string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.retried = append(f.retried, body.IDs...)
		reply(http.StatusOK, map[string]any{"message": "Emails queued for retry", "matched": len(body.IDs)})
	case r.URL.Path == base && r.Method == http.MethodPost:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.enqueued = append(f.enqueued, body)
		reply(http.StatusAccepted, map[string]string{"id": "new-job"})
	case r.URL.Path == base:
		status := r.URL.Query().Get("status")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		page, limit = queue.NormalizePaging(page, limit)
		var matched []queue.Job
		for _, j := range f.jobs {
			if status == "" || string(j.Status) == status {
				matched = append(matched, j)
			}
		}
		start := min((page-1)*limit, len(matched))
		end := min(start+limit, len(matched))
		pages := (len(matched) + limit - 1) / limit
		reply(http.StatusOK, queue.Page{Jobs: matched[start:end], Total: len(matched), Pages: pages, CurrentPage: page})
	case r.URL.Path == base+"/templated":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sent = append(f.sent, body)
		reply(http.StatusAccepted, map[string][]string{"ids": {"tmpl-1", "tmpl-2"}})
	case strings.HasPrefix(r.URL.Path, base+"/"):
		id := strings.TrimPrefix(r.URL.Path, base+"/")
		for _, j := range f.jobs {
			if j.ID == id {
				reply(http.StatusOK, j)
				return
			}
		}
		reply(http.StatusNotFound, map[string]string{"error": "email not found: " + id, "code": "NOT_FOUND"})
	default:
		reply(http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	for _, key := range []string{"MQCTL_SERVER", "MQCTL_TOKEN", "MQCTL_OUTPUT", "MQCTL_INSECURE_SKIP_TLS_VERIFY"} {
		t.Setenv(key, "")
	}
	buf := &bytes.Buffer{}
	root := NewRootCommand(Config{ConfigPath: configPath, OutputWriter: buf})
	root.SetArgs(args)
	root.SetOut(buf)
	root.SetErr(buf)
	err := root.Execute()
	return buf.String(), err
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestStatsCommand(t *testing.T) {
	_, srv := newFakeQueueServer(t)

	out, err := run(t, missingConfig(t), "stats", "--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Regexp(t, `failed\s+3\s+5\.00`, out)
	assert.Contains(t, out, "Total: 4")

	out, err = run(t, missingConfig(t), "stats", "--server", srv.URL, "--token", "secret", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"totalEmails": 4`)
}

func TestCommandRequiresServer(t *testing.T) {
	_, err := run(t, missingConfig(t), "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server is required")
}

func TestUnauthorized(t *testing.T) {
	_, srv := newFakeQueueServer(t)

	_, err := run(t, missingConfig(t), "stats", "--server", srv.URL, "--token", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestListCommand(t *testing.T) {
	_, srv := newFakeQueueServer(t)

	out, err := run(t, missingConfig(t), "list", "--server", srv.URL, "--token", "secret", "--status", "failed", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "job-2")
	assert.NotContains(t, out, "job-3")
	assert.Contains(t, out, "Page 1 of 2 (3 emails)")

	out, err = run(t, missingConfig(t), "list", "--server", srv.URL, "--token", "secret", "--all", "--limit", "1", "-o", "wide")
	require.NoError(t, err)
	assert.Contains(t, out, "LAST_ATTEMPT")
	assert.Contains(t, out, "job-4")
}

func TestListRejectsUnknownStatus(t *testing.T) {
	_, err := run(t, missingConfig(t), "list", "--server", "http://127.0.0.1:1", "--status", "stuck")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestGetCommand(t *testing.T) {
	_, srv := newFakeQueueServer(t)

	out, err := run(t, missingConfig(t), "get", "job-4", "--server", srv.URL, "--token", "secret", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "id: job-4")
	assert.Contains(t, out, "status: completed")

	_, err = run(t, missingConfig(t), "get", "nope", "--server", srv.URL, "--token", "secret")
	require.Error(t, err)
	assert.Equal(t, "email nope not found", err.Error())
}

func TestRetryCommand(t *testing.T) {
	f, srv := newFakeQueueServer(t)

	out, err := run(t, missingConfig(t), "retry", "job-1", "job-2", "--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Emails queued for retry\n", out)

	out, err = run(t, missingConfig(t), "retry", "--all-failed", "--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Emails queued for retry\n", out)
	assert.Equal(t, []string{"job-1", "job-2", "job-1", "job-2", "job-3"}, f.retried)

	_, err = run(t, missingConfig(t), "retry", "--server", srv.URL)
	require.Error(t, err)
	_, err = run(t, missingConfig(t), "retry", "job-1", "--all-failed", "--server", srv.URL)
	require.Error(t, err)
}

func TestEnqueueCommand(t *testing.T) {
	f, srv := newFakeQueueServer(t)
	htmlFile := filepath.Join(t.TempDir(), "body.html")
	require.NoError(t, os.WriteFile(htmlFile, []byte("<p>from file</p>"), 0o600))

	out, err := run(t, missingConfig(t), "enqueue", "--to", "a@example.com", "--subject", "Hi", "--html-file", htmlFile,
		"--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "new-job\n", out)
	require.Len(t, f.enqueued, 1)
	assert.Equal(t, "<p>from file</p>", f.enqueued[0]["html"])

	_, err = run(t, missingConfig(t), "enqueue", "--to", "a@example.com", "--subject", "Hi", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--html")
}

func TestSendCommand(t *testing.T) {
	f, srv := newFakeQueueServer(t)

	_, err := run(t, missingConfig(t), "send", "verify-email", "--to", "a@example.com", "--link-token", "tok",
		"--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
	assert.Equal(t, "tok", f.sent[0]["token"])
	assert.Equal(t, "a@example.com", f.sent[0]["to"])

	out, err := run(t, missingConfig(t), "send", "admin-notification", "--title", "Backlog", "--message", "12 failed",
		"--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tmpl-1\ntmpl-2\n", out)
	require.Len(t, f.sent, 2)
	assert.Equal(t, "admin-notification", f.sent[1]["template"])
	assert.Equal(t, "Backlog", f.sent[1]["title"])
	assert.NotContains(t, f.sent[1], "to")

	_, err = run(t, missingConfig(t), "send", "newsletter", "--server", srv.URL, "--token", "secret")
	require.Error(t, err)
}

func TestHealthAndVersion(t *testing.T) {
	_, srv := newFakeQueueServer(t)

	out, err := run(t, missingConfig(t), "health", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, err = run(t, missingConfig(t), "version", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Client: mqctl")
	assert.Contains(t, out, "Server: mailqueue v9.9.9")

	out, err = run(t, missingConfig(t), "version", "--client")
	require.NoError(t, err)
	assert.NotContains(t, out, "Server:")
}

func TestConfigFileSuppliesDefaults(t *testing.T) {
	_, srv := newFakeQueueServer(t)
	path := missingConfig(t)

	_, err := run(t, path, "config", "init", "--server", srv.URL, "--token", "secret", "--default-output", "json")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, cfg.Server)

	out, err := run(t, path, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"totalEmails": 4`)

	out, err = run(t, path, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "token: REDACTED")
	assert.NotContains(t, out, "secret")
}

func TestEnvOverrides(t *testing.T) {
	_, srv := newFakeQueueServer(t)
	buf := &bytes.Buffer{}
	t.Setenv("MQCTL_SERVER", srv.URL)
	t.Setenv("MQCTL_TOKEN", "secret")
	t.Setenv("MQCTL_OUTPUT", "yaml")

	root := NewRootCommand(Config{ConfigPath: missingConfig(t), OutputWriter: buf})
	root.SetArgs([]string{"stats"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "totalEmails: 4")
}
