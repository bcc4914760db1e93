package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"futuresfleet/logger"
)

func captureCloudWatch(t *testing.T) *[][]cwtypes.MetricDatum {
	t.Helper()
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "FuturesFleetTest"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copied := make([]cwtypes.MetricDatum, len(data))
		copy(copied, data)
		batches = append(batches, copied)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })
	return &batches
}

func TestGaugePublishIsThrottledPerSeries(t *testing.T) {
	batches := captureCloudWatch(t)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	base := time.Now()
	metric := Metric{Component: "fleet", Name: ActiveBots, Type: TypeGauge, Timestamp: base, Fields: logger.Fields{}}
	publishMetricDatum(metric, 1)

	metric.Timestamp = base.Add(25 * time.Millisecond)
	publishMetricDatum(metric, 2)

	other := Metric{Component: "marketdata", Name: StreamState, Type: TypeGauge, Timestamp: base.Add(25 * time.Millisecond), Fields: logger.Fields{"symbol": "BTCUSDT"}}
	publishMetricDatum(other, 4)

	metric.Timestamp = base.Add(75 * time.Millisecond)
	publishMetricDatum(metric, 3)

	if len(*batches) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(*batches))
	}
	if v := *(*batches)[2][0].Value; v != 3 {
		t.Fatalf("unexpected value in last publish: %v", v)
	}
	dims := (*batches)[1][0].Dimensions
	if len(dims) != 2 || *dims[1].Name != "symbol" || *dims[1].Value != "BTCUSDT" {
		t.Fatalf("unexpected dimensions: %+v", dims)
	}
}

func TestCountersAreNotThrottled(t *testing.T) {
	batches := captureCloudWatch(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		publishMetricDatum(Metric{Component: "gateway", Name: Orders, Type: TypeCounter, Timestamp: base, Fields: logger.Fields{"unit": "count"}}, 1)
	}
	if len(*batches) != 3 {
		t.Fatalf("expected every counter to publish, got %d", len(*batches))
	}
	if (*batches)[0][0].Unit != cwtypes.StandardUnitCount {
		t.Fatalf("unexpected unit %s", (*batches)[0][0].Unit)
	}
}

func TestNoClientNoPublish(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	EmitMetric(nil, "fleet", ActiveBots, 1, TypeGauge, nil)
	if called {
		t.Fatal("published without a client")
	}
}

func TestMetricUnitFromString(t *testing.T) {
	if u, ok := metricUnitFromString("ms"); !ok || u != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unexpected unit for ms: %s", u)
	}
	if _, ok := metricUnitFromString("furlongs"); ok {
		t.Fatal("unknown unit accepted")
	}
}
