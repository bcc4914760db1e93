package metrics

import (
	"time"

	"futuresfleet/logger"
)

const (
	TypeCounter = "counter"
	TypeGauge   = "gauge"
	TypeTiming  = "timing"
)

// Metric names understood by the Prometheus bridge.
const (
	ActiveBots      = "active_bots"
	BotsInPosition  = "bots_in_position"
	SharedClients   = "shared_clients"
	UsersServed     = "users_served"
	StreamState     = "stream_state"
	RateLimitWait   = "ratelimit_wait_ms"
	ExchangeReject  = "exchange_rate_limited"
	Orders          = "orders"
	UsedWeight      = "used_weight"
	StoreFlush      = "store_flush"
	TradeEvents     = "trade_events"
	BotFailures     = "bot_failures"
	AdmissionDenied = "admission_denied"
	ArchiveUploads  = "archive_uploads"
)

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Wait reports one enforced rate-limit delay.
func Wait(class string, d time.Duration) {
	EmitMetric(nil, "ratelimit", RateLimitWait, float64(d.Milliseconds()), TypeTiming, logger.Fields{
		"class": class,
		"unit":  "milliseconds",
	})
}

// Order reports one order request by kind (entry, stop_loss, take_profit, close, cancel).
func Order(kind string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	EmitMetric(nil, "gateway", Orders, 1, TypeCounter, logger.Fields{
		"kind":    kind,
		"outcome": outcome,
		"unit":    "count",
	})
}

func Gauge(component, name string, value float64, fields logger.Fields) {
	EmitMetric(nil, component, name, value, TypeGauge, fields)
}

func Count(component, name string, fields logger.Fields) {
	if fields == nil {
		fields = logger.Fields{}
	}
	fields["unit"] = "count"
	EmitMetric(nil, component, name, 1, TypeCounter, fields)
}
