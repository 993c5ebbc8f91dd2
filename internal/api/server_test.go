package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bouncer-worker/internal/broker"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

type fakeBroker struct {
	state broker.State
	since time.Time
}

func (f fakeBroker) State() broker.State { return f.state }

func (f fakeBroker) ConnectedSince() (time.Time, bool) {
	return f.since, f.state == broker.StateConnected
}

type fakeProcesses []monitor.Record

func (f fakeProcesses) Snapshot() []monitor.Record { return f }

type fakeStats struct {
	records []monitor.Record
	err     error
	limit   int
}

func (f *fakeStats) Recent(_ context.Context, limit int) ([]monitor.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func newTestServer(b BrokerStatus, p ProcessLister, s StatsReader) *Server {
	return New(Config{Listen: "127.0.0.1:0", Fingerprint: "abc123"}, b, p, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("connected", func(t *testing.T) {
		srv := newTestServer(fakeBroker{state: broker.StateConnected, since: since}, nil, nil)
		rec := get(t, srv.Handler(), "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp HealthzResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "connected", resp.Broker)
		assert.Equal(t, "abc123", resp.ConfigFingerprint)
		require.NotNil(t, resp.ConnectedSince)
		assert.True(t, since.Equal(*resp.ConnectedSince))
	})

	t.Run("disconnected", func(t *testing.T) {
		srv := newTestServer(fakeBroker{state: broker.StateClosed}, nil, nil)
		rec := get(t, srv.Handler(), "/healthz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthzResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "closed", resp.Broker)
		assert.Nil(t, resp.ConnectedSince)
	})
}

func TestMonitorSnapshot(t *testing.T) {
	procs := fakeProcesses{
		{PID: 101, Info: monitor.Info{Database: "acme", Queue: "MODELQ"}, StartMemory: 10, MaxMemory: 25},
	}
	srv := newTestServer(fakeBroker{state: broker.StateConnected}, procs, nil)

	rec := get(t, srv.Handler(), "/monitor")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MonitorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	require.Len(t, resp.Processes, 1)
	assert.Equal(t, 101, resp.Processes[0].PID)
	assert.Equal(t, "acme", resp.Processes[0].Info.Database)
}

func TestMonitorDisabled(t *testing.T) {
	srv := newTestServer(fakeBroker{state: broker.StateConnected}, nil, nil)

	rec := get(t, srv.Handler(), "/monitor")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false,"processes":[]}`, rec.Body.String())
}

func TestRecentStats(t *testing.T) {
	stats := &fakeStats{records: []monitor.Record{{PID: 7, ReturnCode: 0}}}
	srv := newTestServer(fakeBroker{state: broker.StateConnected}, nil, stats)
	h := srv.Handler()

	rec := get(t, h, "/stats/recent")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultRecentLimit, stats.limit)

	var records []monitor.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, 7, records[0].PID)

	rec = get(t, h, "/stats/recent?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRecentLimit, stats.limit)

	rec = get(t, h, "/stats/recent?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stats.err = errors.New("database is locked")
	rec = get(t, h, "/stats/recent")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecentStatsWithoutStore(t *testing.T) {
	srv := newTestServer(fakeBroker{state: broker.StateConnected}, nil, nil)
	rec := get(t, srv.Handler(), "/stats/recent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := newTestServer(fakeBroker{state: broker.StateConnected}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
