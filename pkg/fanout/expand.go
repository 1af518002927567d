package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// Attribute keys lifted out of the OTLP attribute lists into row columns.
const (
	attrOrgID        = "orgId"
	attrHostID       = "hostId"
	attrHostName     = "hostName"
	attrInstanceName = "dataSourceInstanceName"
	attrWildValue    = "wildValue"
)

// tsLayout renders UTC timestamps as RFC3339 with a Z suffix and at most
// millisecond precision.
const tsLayout = "2006-01-02T15:04:05.999Z"

// ProcessingError means the bundle as a whole could not be parsed.
// Such bundles are dead-lettered unchanged.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string { return fmt.Sprintf("otlp bundle rejected: %v", e.Err) }
func (e *ProcessingError) Unwrap() error { return e.Err }

// RecordParseError describes one data point that was dropped.
type RecordParseError struct {
	Resource int
	Scope    int
	Metric   string
	Point    int
	Err      error
}

func (e RecordParseError) Error() string {
	return fmt.Sprintf("resource %d scope %d metric %q point %d: %v", e.Resource, e.Scope, e.Metric, e.Point, e.Err)
}

func (e RecordParseError) Unwrap() error { return e.Err }

// Result holds the rows produced from one bundle, in document order, and the
// points that were dropped.
type Result struct {
	Rows    []*types.RowEvent
	Dropped []RecordParseError
}

// Expand flattens an OTLP/JSON metrics bundle into one RowEvent per gauge or
// sum data point. It has no side effects: the same payload always yields the
// same rows in the same order.
func Expand(payload []byte) (*Result, error) {
	var bundle types.MetricsBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, &ProcessingError{Err: err}
	}

	res := &Result{}
	for ri, rm := range bundle.ResourceMetrics {
		resAttrs := flattenAttributes(rm.Resource.Attributes)
		orgID := stringAttr(resAttrs, attrOrgID)
		deviceID := stringAttr(resAttrs, attrHostID)
		deviceName := stringAttr(resAttrs, attrHostName)

		for si, sm := range rm.ScopeMetrics {
			scope := scopeObject(sm.Scope)
			var epochMs int64
			if sm.Scope.Epoch != nil {
				epochMs = int64(*sm.Scope.Epoch) * 1000
			}

			for _, m := range sm.Metrics {
				metricType, data := metricData(m)
				if data == nil {
					continue
				}
				for pi, raw := range data.DataPoints {
					row, err := expandPoint(raw, epochMs)
					if err == nil {
						row.OrgID = orgID
						row.DeviceID = deviceID
						row.DeviceName = deviceName
						row.Datasource = sm.Scope.Name
						row.Metric = m.Name
						row.Unit = m.Unit
						row.Type = metricType
						row.Resource = without(resAttrs, attrOrgID, attrHostID, attrHostName)
						row.Scope = copyMap(scope)
						err = row.Validate()
					}
					if err != nil {
						res.Dropped = append(res.Dropped, RecordParseError{
							Resource: ri, Scope: si, Metric: m.Name, Point: pi, Err: err,
						})
						continue
					}
					res.Rows = append(res.Rows, row)
				}
			}
		}
	}
	return res, nil
}

var errMissingValue = errors.New("data point has neither asDouble nor asInt")

func expandPoint(raw json.RawMessage, scopeEpochMs int64) (*types.RowEvent, error) {
	var dp types.NumberDataPoint
	if err := json.Unmarshal(raw, &dp); err != nil {
		return nil, fmt.Errorf("decode data point: %w", err)
	}

	row := &types.RowEvent{}
	switch {
	case dp.AsDouble != nil:
		row.Value = *dp.AsDouble
	case dp.AsInt != nil:
		n := int64(*dp.AsInt)
		row.IntValue = &n
		row.Value = float64(n)
	default:
		return nil, errMissingValue
	}

	switch {
	case dp.TimeUnixNano != nil && *dp.TimeUnixNano > 0:
		row.TsUnixMs = int64(*dp.TimeUnixNano) / int64(time.Millisecond)
	case scopeEpochMs > 0:
		row.TsUnixMs = scopeEpochMs
	default:
		return nil, types.ErrMissingTimestamp
	}
	row.Ts = time.UnixMilli(row.TsUnixMs).UTC().Format(tsLayout)

	attrs := flattenAttributes(dp.Attributes)
	row.Instance = stringAttr(attrs, attrInstanceName)
	if row.Instance == "" {
		row.Instance = stringAttr(attrs, attrWildValue)
	}
	row.Attributes = without(attrs, attrInstanceName, attrWildValue)
	return row, nil
}

func metricData(m types.Metric) (string, *types.NumberData) {
	switch {
	case m.Gauge != nil:
		return types.MetricTypeGauge, m.Gauge
	case m.Sum != nil:
		return types.MetricTypeSum, m.Sum
	}
	return "", nil
}

func scopeObject(s types.InstrumentationScope) map[string]any {
	scope := make(map[string]any, 2)
	if s.Name != "" {
		scope["name"] = s.Name
	}
	if s.Version != "" {
		scope["version"] = s.Version
	}
	return scope
}

// flattenAttributes turns an OTLP key/value list into a plain map. Entries
// with an empty key or no recognised value are skipped.
func flattenAttributes(kvs []types.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		if kv.Key == "" {
			continue
		}
		if v := kv.Value.Interface(); v != nil {
			out[kv.Key] = v
		}
	}
	return out
}

func stringAttr(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func without(attrs map[string]any, keys ...string) map[string]any {
	out := copyMap(attrs)
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
