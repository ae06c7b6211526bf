package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordSessionActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	client := newScriptedClient(
		toolResponse(toolCall("1", ToolReadFile, `{"path":"missing.txt"}`), toolCall("2", ToolGlob, `{"pattern":"*"}`)),
		toolResponse(toolCall("3", TaskCompleteTool, `{"summary":"done"}`)),
	)
	s := startTestSession(t, client, Limits{}, WithMetrics(m))
	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("anthropic", "ok")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.tokens.WithLabelValues("input")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.tokens.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolResults.WithLabelValues(ToolReadFile, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolResults.WithLabelValues(ToolGlob, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("completed")))
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)
	a.IncModelRetry("anthropic")
	b.IncModelRetry("anthropic")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.modelRetries.WithLabelValues("anthropic")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveModelCall("p", "ok", time.Second)
	m.IncModelRetry("p")
	m.AddTokens(1, 2)
	m.ObserveToolResult("t", "ok", time.Second)
	m.IncSessionFinished(StatusFailed)
	m.SessionStarted()
	m.SessionEnded()
}
