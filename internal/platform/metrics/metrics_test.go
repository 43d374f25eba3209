package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	done := r.StreamStarted("gpt-5")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inflight))
	r.Delta("gpt-5")
	r.Delta("gpt-5")
	done()
	r.Finished("gpt-5", "error", "timeout")
	r.ObserveContext("gpt-5", 1200, true)
	r.HistoryFailure("append")

	assert.Equal(t, 0.0, testutil.ToFloat64(r.inflight))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.deltasTotal.WithLabelValues("gpt-5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("gpt-5", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.upstreamErrors.WithLabelValues("gpt-5", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.summarizations.WithLabelValues("gpt-5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.historyFailures.WithLabelValues("append")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.streamDuration, "chatrelay_stream_duration_seconds")+testutil.CollectAndCount(r.contextTokens, "chatrelay_context_tokens"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.StreamStarted("m")()
		r.Delta("m")
		r.Finished("m", "ok", "")
		r.ObserveContext("m", 1, true)
		r.HistoryFailure("append")
	})
}
