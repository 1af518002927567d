package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// The OTLP/JSON metrics document, trimmed to the parts the fan-out reads.
// Data points stay raw so one bad point cannot fail the whole bundle.

type MetricsBundle struct {
	ResourceMetrics []ResourceMetrics `json:"resourceMetrics"`
}

type ResourceMetrics struct {
	Resource     OTLPResource   `json:"resource"`
	ScopeMetrics []ScopeMetrics `json:"scopeMetrics"`
}

type OTLPResource struct {
	Attributes []KeyValue `json:"attributes"`
}

type ScopeMetrics struct {
	Scope   InstrumentationScope `json:"scope"`
	Metrics []Metric             `json:"metrics"`
}

type InstrumentationScope struct {
	Name       string     `json:"name"`
	Version    string     `json:"version,omitempty"`
	Attributes []KeyValue `json:"attributes,omitempty"`
	// Epoch is a non-standard scope-level timestamp in seconds, used when a
	// data point carries no timeUnixNano.
	Epoch *FlexInt64 `json:"epoch,omitempty"`
}

type Metric struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	Gauge       *NumberData `json:"gauge,omitempty"`
	Sum         *NumberData `json:"sum,omitempty"`
}

type NumberData struct {
	DataPoints []json.RawMessage `json:"dataPoints"`
}

type NumberDataPoint struct {
	Attributes   []KeyValue `json:"attributes"`
	TimeUnixNano *FlexInt64 `json:"timeUnixNano,omitempty"`
	AsDouble     *float64   `json:"asDouble,omitempty"`
	AsInt        *FlexInt64 `json:"asInt,omitempty"`
}

type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

type AnyValue struct {
	StringValue *string    `json:"stringValue,omitempty"`
	IntValue    *FlexInt64 `json:"intValue,omitempty"`
	DoubleValue *float64   `json:"doubleValue,omitempty"`
	BoolValue   *bool      `json:"boolValue,omitempty"`
}

// Interface returns the populated variant, or nil when none is set.
func (v AnyValue) Interface() any {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.IntValue != nil:
		return int64(*v.IntValue)
	case v.DoubleValue != nil:
		return *v.DoubleValue
	case v.BoolValue != nil:
		return *v.BoolValue
	}
	return nil
}

// FlexInt64 decodes 64-bit integers sent either as JSON numbers or, as the
// proto3 JSON mapping prescribes, as decimal strings.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil {
			return fmt.Errorf("invalid integer %q", string(data))
		}
		n = int64(fl)
	}
	*f = FlexInt64(n)
	return nil
}
