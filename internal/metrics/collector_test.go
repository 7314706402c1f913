// ABOUTME: Tests for the Prometheus collector
// ABOUTME: Reads values back through prometheus testutil and the HTTP handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test")

	c.MessageReceived("agent.hello", "ok")
	c.MessageReceived("agent.hello", "ok")
	c.MessageReceived("update", "protocol_violation")
	c.MessageSent("init", "ok")
	c.AuthRejected("replay")
	c.StateTransition("WaitingForHello", "Ready")
	c.HeartAction("ping")
	c.HeartAction("ping")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("agent.hello", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("update", "protocol_violation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("init", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authRejected.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("WaitingForHello", "Ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.heartActions.WithLabelValues("ping")))
}

func TestCollector_GaugeAndHistogram(t *testing.T) {
	c := NewCollector("test")

	c.SetTrackedAgents(4)
	c.SetTrackedAgents(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.trackedAgents))

	c.ObservePongRTT(150 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.pongRTT))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("")
	c.AuthRejected("bad_signature")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `nimrod_auth_rejected_total{reason="bad_signature"} 1`), text)
	assert.Contains(t, text, "go_goroutines")
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.MessageReceived("ping", "ok")
	c.AuthRejected("x")
	c.StateTransition("a", "b")
	c.HeartAction("ping")
	c.SetTrackedAgents(1)
	c.ObservePongRTT(time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")
	a.HeartAction("expire")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.heartActions.WithLabelValues("expire")))
}
