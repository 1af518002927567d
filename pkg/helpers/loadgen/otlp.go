package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// OTLPGenerator builds OTLP/JSON metrics bundles for a device: one resource
// carrying the org and host attributes, one scope, and a gauge and a sum per
// configured metric name.
type OTLPGenerator struct {
	OrgID      string
	Datasource string
	Metrics    []string
	// PointsPerMetric is the number of data points in each gauge and sum.
	PointsPerMetric int

	now func() time.Time
}

// NewOTLPGenerator creates a generator with one point per metric.
func NewOTLPGenerator(orgID, datasource string, metricNames ...string) *OTLPGenerator {
	if len(metricNames) == 0 {
		metricNames = []string{"cpu.utilization"}
	}
	return &OTLPGenerator{
		OrgID:           orgID,
		Datasource:      datasource,
		Metrics:         metricNames,
		PointsPerMetric: 1,
		now:             time.Now,
	}
}

// RowsPerBundle is how many rows each generated bundle expands into.
func (g *OTLPGenerator) RowsPerBundle() int {
	return 2 * len(g.Metrics) * max(g.PointsPerMetric, 1)
}

// GeneratePayload implements PayloadGenerator.
func (g *OTLPGenerator) GeneratePayload(device *Device) ([]byte, error) {
	ts := types.FlexInt64(g.now().UnixNano())
	points := max(g.PointsPerMetric, 1)

	var metrics []types.Metric
	for _, name := range g.Metrics {
		gauge, err := g.dataPoints(ts, points, func() (*float64, *types.FlexInt64) {
			v := rand.Float64() * 100
			return &v, nil
		})
		if err != nil {
			return nil, err
		}
		sum, err := g.dataPoints(ts, points, func() (*float64, *types.FlexInt64) {
			v := types.FlexInt64(rand.Int64N(1_000_000))
			return nil, &v
		})
		if err != nil {
			return nil, err
		}
		metrics = append(metrics,
			types.Metric{Name: name, Unit: "%", Gauge: &types.NumberData{DataPoints: gauge}},
			types.Metric{Name: name + ".count", Unit: "1", Sum: &types.NumberData{DataPoints: sum}},
		)
	}

	bundle := types.MetricsBundle{ResourceMetrics: []types.ResourceMetrics{{
		Resource: types.OTLPResource{Attributes: []types.KeyValue{
			stringKV("orgId", g.OrgID),
			stringKV("hostId", device.ID),
			stringKV("hostName", "host-"+device.ID),
		}},
		ScopeMetrics: []types.ScopeMetrics{{
			Scope:   types.InstrumentationScope{Name: g.Datasource, Version: "1.0.0"},
			Metrics: metrics,
		}},
	}}}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle for device %s: %w", device.ID, err)
	}
	return payload, nil
}

func (g *OTLPGenerator) dataPoints(ts types.FlexInt64, n int, value func() (*float64, *types.FlexInt64)) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, n)
	for i := range out {
		d, iv := value()
		raw, err := json.Marshal(types.NumberDataPoint{
			Attributes:   []types.KeyValue{stringKV("instance", fmt.Sprintf("%d", i))},
			TimeUnixNano: &ts,
			AsDouble:     d,
			AsInt:        iv,
		})
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func stringKV(key, value string) types.KeyValue {
	return types.KeyValue{Key: key, Value: types.AnyValue{StringValue: &value}}
}
