package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.True(t, c.config.Enabled)
		assert.Equal(t, "deepfreeze", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector ignores everything", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.Registry())
		c.RecordCommand("rotate", time.Second, nil)
		c.RecordAdapterCall("aws", "refreeze", nil)
		c.SetRepositories(map[string]int{"active": 1})
		assert.Nil(t, c.ProviderObserver())
		assert.Nil(t, c.ClusterObserver())
		assert.NoError(t, c.Flush(context.Background()))
	})
}

func TestRecordCommand(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)

	c.RecordCommand("rotate", 2*time.Second, nil)
	c.RecordCommand("rotate", time.Second, errors.NewError(errors.ErrCodeRepositoryInUse, "busy"))
	c.RecordCommand("rotate", time.Second, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandCounter.WithLabelValues("rotate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandCounter.WithLabelValues("rotate", "REPOSITORY_IN_USE")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.commandDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.lastSuccess))
}

func TestObservers(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)

	c.ProviderObserver()(storage.KindAzure, "initiate_restore", nil)
	c.ClusterObserver()("rebind_ilm_policy", errors.NewError(errors.ErrCodeConcurrentModification, "changed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.adapterCounter.WithLabelValues("azure", "initiate_restore", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.adapterCounter.WithLabelValues("elasticsearch", "rebind_ilm_policy", "CONCURRENT_MODIFICATION")))
}

func TestGaugesAreReplaced(t *testing.T) {
	c, err := NewCollector(nil)
	require.NoError(t, err)

	c.SetRepositories(map[string]int{"active": 1, "retired": 4, "thawed": 1})
	assert.Equal(t, 3, testutil.CollectAndCount(c.repositories))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.repositories.WithLabelValues("retired")))

	c.SetRepositories(map[string]int{"active": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(c.repositories))

	c.SetDriftFindings(map[string]int{"misbound_policy": 1})
	c.SetThawRequests(map[string]int{"pending": 2})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.driftFindings.WithLabelValues("misbound_policy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.thawRequests.WithLabelValues("pending")))
}

func TestFlushPushesToGateway(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewCollector(&Config{Enabled: true, PushgatewayURL: srv.URL, Job: "deepfreeze-cron"})
	require.NoError(t, err)
	c.RecordCommand("status", time.Second, nil)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "/metrics/job/deepfreeze-cron", path.Load())
}

func TestFlushReportsPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewCollector(&Config{Enabled: true, PushgatewayURL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, c.Flush(context.Background()))
}

func TestFlushWritesTextfile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "deepfreeze.prom")
	c, err := NewCollector(&Config{Enabled: true, Textfile: file})
	require.NoError(t, err)
	c.RecordCommand("cleanup", time.Second, nil)

	require.NoError(t, c.Flush(context.Background()))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `deepfreeze_command_total{command="cleanup",result="success"} 1`)
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "DRIFT_DETECTED", Result(errors.NewError(errors.ErrCodeDriftDetected, "drift")))
}
