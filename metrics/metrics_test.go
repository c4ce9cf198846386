package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTransaction(t *testing.T) {
	m := NewMetrics("run-1")
	m.RecordTransaction(true, 200*time.Millisecond)
	m.RecordTransaction(true, time.Second)
	m.RecordTransaction(false, 0)
	m.RecordResync()
	m.AddActiveWorkers(3)
	m.AddActiveWorkers(-1)

	require.Equal(t, 3.0, testutil.ToFloat64(m.TransactionsTotal))
	require.Equal(t, 2.0, testutil.ToFloat64(m.TransactionsConfirmed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsFailed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.NonceResyncs))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ActiveWorkers))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunInfo.WithLabelValues("run-1")))
}

func TestIndependentRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")
	a.RecordBatch(20, time.Second)
	require.Equal(t, 1.0, testutil.ToFloat64(a.BatchesTotal))
	require.Equal(t, 0.0, testutil.ToFloat64(b.BatchesTotal))
}

func TestHandler(t *testing.T) {
	m := NewMetrics("run-2")
	m.RecordTransaction(false, 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "surge_transactions_failed_total 1")
	require.Contains(t, string(body), `surge_run_info{run_id="run-2"} 1`)
}

func TestServer(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewMetrics("run-3"))
	addr, err := s.StartAsync()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	}()

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
