package exchange

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"futuresfleet/internal/metrics"
	"futuresfleet/logger"
)

// weightTransport counts consecutive transport failures and reports the used-weight headers
// of every response.
type weightTransport struct {
	base        http.RoundTripper
	fingerprint string
	log         *logger.Log
	failures    atomic.Int32
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.failures.Add(1)
		return nil, err
	}
	t.failures.Store(0)
	reportUsedWeight(t.log, resp.Header, t.fingerprint)
	return resp, nil
}

// reportUsedWeight parses the Binance used-weight headers and emits a gauge for the first
// numeric one found. It returns the parsed weight and whether a metric was recorded.
func reportUsedWeight(log *logger.Log, header http.Header, fingerprint string) (float64, bool) {
	if log == nil || header == nil {
		return 0, false
	}

	for _, key := range []string{"X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT"} {
		value := header.Get(key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent("gateway").WithFields(logger.Fields{
				"header": key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		metrics.EmitMetric(log, "gateway", metrics.UsedWeight, used, metrics.TypeGauge, logger.Fields{
			"fingerprint": logger.ShortFingerprint(fingerprint),
			"window":      "1m",
		})
		return used, true
	}
	return 0, false
}
