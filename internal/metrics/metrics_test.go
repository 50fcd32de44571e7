package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	s.ReadConsistency("PIPELINE", OutcomeSuccess, 1)
	s.ReadConsistency("PIPELINE", OutcomeSuccess, 1)
	s.ReadConsistency("PIPELINE", OutcomeFailover, 25)
	s.TransactionRetry("store")
	s.Forwarded("cancel", "east")
	s.TombstonesPurged(3)
	s.TombstonesPurged(2)

	require.Equal(t, 2.0, testutil.ToFloat64(s.readConsistency.WithLabelValues("PIPELINE", OutcomeSuccess, "1")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.readConsistency.WithLabelValues("PIPELINE", OutcomeFailover, "10+")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.transactionRetry.WithLabelValues("store")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.forwarded.WithLabelValues("cancel", "east")))
	require.Equal(t, 5.0, testutil.ToFloat64(s.tombstonesPurged))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestOrNop(t *testing.T) {
	require.Equal(t, NopSink, OrNop(nil))
	NopSink.ReadConsistency("x", "y", 1)
}
