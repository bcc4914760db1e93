// Package metrics fans structured metric events out to the log, Prometheus collectors and,
// when configured, CloudWatch.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promCollectors struct {
	registry       *prometheus.Registry
	activeBots     prometheus.Gauge
	botsInPosition prometheus.Gauge
	sharedClients  prometheus.Gauge
	usersServed    prometheus.Gauge
	streamState    *prometheus.GaugeVec
	rateLimitWait  *prometheus.HistogramVec
	rejections     *prometheus.CounterVec
	orders         *prometheus.CounterVec
	usedWeight     *prometheus.GaugeVec
	storeFlush     *prometheus.CounterVec
	tradeEvents    *prometheus.CounterVec
	botFailures    prometheus.Counter
	admission      prometheus.Counter
	archive        *prometheus.CounterVec
}

var (
	promOnce sync.Once
	prom     *promCollectors
)

// InitPrometheus builds the collectors on a private registry and bridges emitted metrics into
// them. Calling it more than once is a no-op.
func InitPrometheus() {
	promOnce.Do(func() {
		reg := prometheus.NewRegistry()
		c := &promCollectors{
			registry: reg,
			activeBots: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fleet_active_bots", Help: "Bots currently running",
			}),
			botsInPosition: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fleet_bots_in_position", Help: "Running bots holding a position",
			}),
			sharedClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fleet_shared_clients", Help: "Exchange clients held by the pool",
			}),
			usersServed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fleet_users_served", Help: "Tenants served by pooled clients",
			}),
			streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "marketdata_stream_state", Help: "1 streaming, 2 connecting, 3 backoff, 4 disabled, 0 stopped",
			}, []string{"symbol"}),
			rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ratelimit_wait_seconds",
				Help:    "Delays enforced before exchange calls",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			}, []string{"class"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "exchange_rate_limited_total", Help: "Calls rejected by the exchange for rate limits",
			}, []string{"class"}),
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "exchange_orders_total", Help: "Order requests by kind and outcome",
			}, []string{"kind", "outcome"}),
			usedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "exchange_used_weight_1m", Help: "Last X-MBX-USED-WEIGHT-1M seen per credential",
			}, []string{"fingerprint"}),
			storeFlush: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "store_flush_writes_total", Help: "Batched user updates written",
			}, []string{"outcome"}),
			tradeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trade_events_total", Help: "Trade events recorded",
			}, []string{"action"}),
			botFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bot_failures_total", Help: "Failed bot actions",
			}),
			admission: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fleet_admission_denied_total", Help: "Start requests refused by the admission throttle",
			}),
			archive: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tradelog_archive_uploads_total", Help: "Parquet batches uploaded to object storage",
			}, []string{"outcome"}),
		}
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			c.activeBots, c.botsInPosition, c.sharedClients, c.usersServed, c.streamState,
			c.rateLimitWait, c.rejections, c.orders, c.usedWeight, c.storeFlush, c.tradeEvents,
			c.botFailures, c.admission, c.archive,
		)
		prom = c
		RegisterMetricHandler(c.observe)
	})
}

// Handler serves the Prometheus registry; before InitPrometheus it answers 503.
func Handler() http.Handler {
	if prom == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(prom.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func Gatherer() prometheus.Gatherer {
	if prom == nil {
		return prometheus.NewRegistry()
	}
	return prom.registry
}

func (c *promCollectors) observe(m Metric) {
	v, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	label := func(key string) string {
		if s, ok := m.Fields[key].(string); ok {
			return s
		}
		return "unknown"
	}

	switch m.Name {
	case ActiveBots:
		c.activeBots.Set(v)
	case BotsInPosition:
		c.botsInPosition.Set(v)
	case SharedClients:
		c.sharedClients.Set(v)
	case UsersServed:
		c.usersServed.Set(v)
	case StreamState:
		c.streamState.WithLabelValues(label("symbol")).Set(v)
	case RateLimitWait:
		c.rateLimitWait.WithLabelValues(label("class")).Observe(v / 1000)
	case ExchangeReject:
		c.rejections.WithLabelValues(label("class")).Add(v)
	case Orders:
		c.orders.WithLabelValues(label("kind"), label("outcome")).Add(v)
	case UsedWeight:
		c.usedWeight.WithLabelValues(label("fingerprint")).Set(v)
	case StoreFlush:
		c.storeFlush.WithLabelValues(label("outcome")).Add(v)
	case TradeEvents:
		c.tradeEvents.WithLabelValues(label("action")).Add(v)
	case BotFailures:
		c.botFailures.Add(v)
	case AdmissionDenied:
		c.admission.Add(v)
	case ArchiveUploads:
		c.archive.WithLabelValues(label("outcome")).Add(v)
	}
}
