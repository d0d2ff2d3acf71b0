package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
)

func TestObserverCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened("a")
	m.SessionOpened("b")
	m.SessionClosed("a")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))

	start := time.Now()
	info := session.RunInfo{Kind: storage.KindRun, Language: "python", StartedAt: start}
	m.RunStarted(info)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsInFlight.WithLabelValues("run")))

	info.Status = storage.StatusExited
	info.EndedAt = start.Add(2 * time.Second)
	m.RunEnded(info)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsInFlight.WithLabelValues("run")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("run", "python", "exited")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/runs/abc", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/runs/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "runbox_http_requests_total"))
}
