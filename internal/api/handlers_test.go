package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/eventlog"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
	"github.com/mattjoyce/pwgo-agent/internal/task"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeStatus struct {
	snap dispatch.Snapshot
}

func (f *fakeStatus) Snapshot() dispatch.Snapshot { return f.snap }

type fakeAudit struct {
	entries   []eventlog.Entry
	err       error
	gotLimit  int
	gotStatus eventlog.Status
}

func (f *fakeAudit) Recent(_ context.Context, limit int, status eventlog.Status) ([]eventlog.Entry, error) {
	f.gotLimit, f.gotStatus = limit, status
	return f.entries, f.err
}

type fixture struct {
	status *fakeStatus
	audit  *fakeAudit
	hub    *events.Hub
	server *Server
}

func newFixture(token string) *fixture {
	f := &fixture{
		status: &fakeStatus{snap: dispatch.Snapshot{
			State:      "RUNNING",
			QueueDepth: 3,
			ErrorLimit: 5,
			Workers:    []dispatch.WorkerSnapshot{{Name: "worker-1", Status: "RUNNING", Signal: "NONE"}},
			Pending:    map[task.Kind]int{task.KindImageMetadata: 2},
		}},
		audit: &fakeAudit{},
		hub:   events.NewHub(16),
	}
	m := metrics.New()
	m.EventQueued("TAGS")
	f.server = New(Config{Listen: "127.0.0.1:0", Token: token}, f.status, f.hub, f.audit, m.Handler(), slog.Default())
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.server.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	f := newFixture("s3cret")

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "RUNNING", resp.State)
	assert.Equal(t, 3, resp.QueueDepth)
}

func TestHealthzStopped(t *testing.T) {
	f := newFixture("")
	f.status.snap.State = dispatch.StateStopped.String()

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"stopped"`)
}

func TestStatusRequiresToken(t *testing.T) {
	f := newFixture("s3cret")

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture("s3cret")
	f.hub.Publish(events.TypeWorkerAdded, map[string]any{"worker": "worker-1"})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := f.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.LastEventID)
	assert.Equal(t, "RUNNING", resp.Dispatcher.State)
	assert.Equal(t, 2, resp.Dispatcher.Pending[task.KindImageMetadata])
	require.Len(t, resp.Dispatcher.Workers, 1)
	assert.Equal(t, "worker-1", resp.Dispatcher.Workers[0].Name)
}

func TestMetrics(t *testing.T) {
	f := newFixture("")

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pwgo_")
}

func TestAudit(t *testing.T) {
	f := newFixture("")
	f.audit.entries = []eventlog.Entry{{ID: "a", MessageType: "TAGS", Status: eventlog.StatusFailed}}

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/audit?limit=5000&status=failed", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp AuditResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "a", resp.Entries[0].ID)
	assert.Equal(t, maxAuditLimit, f.audit.gotLimit)
	assert.Equal(t, eventlog.StatusFailed, f.audit.gotStatus)
}

func TestAuditBadRequests(t *testing.T) {
	f := newFixture("")

	for _, q := range []string{"limit=0", "limit=abc", "status=exploded"} {
		rr := f.do(t, httptest.NewRequest(http.MethodGet, "/audit?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestAuditErrors(t *testing.T) {
	f := newFixture("")
	f.audit.err = errors.New("disk I/O error")

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	f.server.audit = nil
	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuditEmpty(t *testing.T) {
	f := newFixture("")

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/audit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"entries":[]}`, rr.Body.String())
	assert.Equal(t, 100, f.audit.gotLimit)
}

// readSSE collects n events (id, event) from an SSE body.
func readSSE(t *testing.T, sc *bufio.Scanner, n int) [][2]string {
	t.Helper()
	var (
		out [][2]string
		cur [2]string
	)
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur[0] = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur[1] = strings.TrimPrefix(line, "event: ")
		case line == "" && cur[0] != "":
			out = append(out, cur)
			cur = [2]string{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEventsReplayAndStream(t *testing.T) {
	f := newFixture("")
	f.hub.Publish(events.TypeWorkerAdded, nil)
	f.hub.Publish(events.TypeEventQueued, nil)
	f.hub.Publish(events.TypeWorkerExited, nil)

	srv := httptest.NewServer(f.server.setupRoutes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?type=worker.", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	got := readSSE(t, sc, 1)
	assert.Equal(t, [][2]string{{"3", events.TypeWorkerExited}}, got)

	f.hub.Publish(events.TypeEventProcessed, nil)
	f.hub.Publish(events.TypeWorkerAdded, nil)
	got = readSSE(t, sc, 1)
	assert.Equal(t, [][2]string{{"5", events.TypeWorkerAdded}}, got)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
