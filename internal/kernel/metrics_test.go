package kernel

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestLaunchMetrics(t *testing.T) {
	shape := TileShape{M: 8, N: 8, K: 8, WarpsM: 1, WarpsN: 2, UnrollK: 1, ThreadM: 2, ThreadN: 2}
	k, err := New[float32, float32](shape, 2)
	require.NoError(t, err)

	p := LaunchParams[float32, float32]{
		Batch: BatchParams{Count: 3, M: 10, N: 12, K: 9},
		A:     Operand[float32]{Matrix: Matrix[float32]{Data: make([]float32, 3*10*9), Layout: RowMajor(10, 9)}},
		B:     Operand[float32]{Matrix: Matrix[float32]{Data: make([]float32, 3*9*12), Layout: RowMajor(9, 12)}},
		Out:   Outputs{Wide: &Matrix[float32]{Data: make([]float32, 3*10*12), Layout: RowMajor(10, 12)}},
		Group: k.ThreadGroup(),
	}

	ok := launchesTotal.WithLabelValues(k.Name(), "ok")
	groups := groupsTotal.WithLabelValues(k.Name())
	flops := flopsTotal.WithLabelValues(k.Name())
	startOK, startGroups, startFlops := getMetricValue(ok), getMetricValue(groups), getMetricValue(flops)

	require.NoError(t, k.ValidateAndLaunch(context.Background(), p))

	// 3 batches of a 2x2 tile grid.
	assert.Equal(t, 1.0, getMetricValue(ok)-startOK)
	assert.Equal(t, 12.0, getMetricValue(groups)-startGroups)
	assert.Equal(t, float64(p.Batch.FLOPs()), getMetricValue(flops)-startFlops)

	aborted := launchesTotal.WithLabelValues(k.Name(), "aborted")
	startAborted := getMetricValue(aborted)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, k.Launch(ctx, p))
	assert.Equal(t, 1.0, getMetricValue(aborted)-startAborted)
}
