package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MetricTypeGauge = "gauge"
	MetricTypeSum   = "sum"
)

// RowEvent is one flattened OTLP data point, shaped as a warehouse row.
// The json tags are the column names of the warehouse table and of the
// backup NDJSON files.
type RowEvent struct {
	OrgID      string  `json:"orgId"`
	DeviceID   string  `json:"deviceId,omitempty"`
	DeviceName string  `json:"deviceName,omitempty"`
	Datasource string  `json:"datasource,omitempty"`
	Instance   string  `json:"instance,omitempty"`
	Metric     string  `json:"metric"`
	Unit       string  `json:"unit,omitempty"`
	Type       string  `json:"type"`
	Value      float64 `json:"value"`
	// IntValue holds asInt points exactly; Value is its float64 view.
	IntValue   *int64         `json:"intValue,omitempty"`
	Ts         string         `json:"ts"`
	TsUnixMs   int64          `json:"tsUnixMs"`
	Attributes map[string]any `json:"attributes"`
	Resource   map[string]any `json:"resource"`
	Scope      map[string]any `json:"scope"`
}

var (
	ErrMissingOrgID     = errors.New("orgId is required")
	ErrMissingMetric    = errors.New("metric name is required")
	ErrMissingTimestamp = errors.New("tsUnixMs is required")
)

// Validate checks the fields every warehouse row must carry.
func (r *RowEvent) Validate() error {
	switch {
	case r.OrgID == "":
		return ErrMissingOrgID
	case r.Metric == "":
		return ErrMissingMetric
	case r.TsUnixMs <= 0:
		return ErrMissingTimestamp
	case r.Type != MetricTypeGauge && r.Type != MetricTypeSum:
		return fmt.Errorf("unsupported metric type %q", r.Type)
	}
	return nil
}

// SizeBytes is the length of the row's NDJSON line, newline included.
// Delivery batches are bounded by the sum of these sizes.
func (r *RowEvent) SizeBytes() int {
	b, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return len(b) + 1
}
