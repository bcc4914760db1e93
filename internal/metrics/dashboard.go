package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

type dashboardWidget struct {
	Type       string         `json:"type"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

var dashboardPanels = []struct {
	title   string
	stat    string
	metrics []string
}{
	{"Fleet occupancy", "Maximum", []string{ActiveBots, BotsInPosition}},
	{"Shared clients", "Maximum", []string{SharedClients, UsersServed}},
	{"Orders and trades", "Sum", []string{Orders, TradeEvents, BotFailures}},
	{"Rate limiting", "Sum", []string{RateLimitWait, ExchangeReject, AdmissionDenied}},
	{"Persistence", "Sum", []string{StoreFlush, ArchiveUploads}},
}

func dashboardBody(namespace, region string) (string, error) {
	widgets := make([]dashboardWidget, 0, len(dashboardPanels))
	for _, p := range dashboardPanels {
		series := make([][]string, 0, len(p.metrics))
		for _, m := range p.metrics {
			series = append(series, []string{namespace, m})
		}
		props := map[string]any{
			"metrics": series,
			"period":  60,
			"stat":    p.stat,
			"title":   p.title,
		}
		if region != "" {
			props["region"] = region
		}
		widgets = append(widgets, dashboardWidget{Type: "metric", Width: 12, Height: 6, Properties: props})
	}
	b, err := json.Marshal(map[string]any{"widgets": widgets})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnsureDashboard creates or replaces the fleet dashboard. It is a no-op until
// InitCloudWatch succeeded.
func EnsureDashboard(ctx context.Context, name string) error {
	state := cwState.Load()
	if state == nil || state.client == nil || name == "" {
		return nil
	}
	body, err := dashboardBody(state.namespace, state.region)
	if err != nil {
		return fmt.Errorf("build dashboard: %w", err)
	}
	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("put dashboard %s: %w", name, err)
	}
	return nil
}
