package bqstore

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// Row is the BigQuery shape of a RowEvent. The nested maps are stored as
// JSON text so the table schema can be inferred from the struct.
type Row struct {
	OrgID      string              `bigquery:"orgId"`
	DeviceID   bigquery.NullString `bigquery:"deviceId"`
	DeviceName bigquery.NullString `bigquery:"deviceName"`
	Datasource bigquery.NullString `bigquery:"datasource"`
	Instance   bigquery.NullString `bigquery:"instance"`
	Metric     string              `bigquery:"metric"`
	Unit       bigquery.NullString `bigquery:"unit"`
	Type       string              `bigquery:"type"`
	Ts         time.Time           `bigquery:"ts"`
	TsUnixMs   int64               `bigquery:"tsUnixMs"`
	Value      float64             `bigquery:"value"`
	IntValue   bigquery.NullInt64  `bigquery:"intValue"`
	Attributes string              `bigquery:"attributes"`
	Resource   string              `bigquery:"resource"`
	Scope      string              `bigquery:"scope"`
}

// partitionField is the TIMESTAMP column new tables are day-partitioned on.
const partitionField = "ts"

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullInt(n *int64) bigquery.NullInt64 {
	if n == nil {
		return bigquery.NullInt64{}
	}
	return bigquery.NullInt64{Int64: *n, Valid: true}
}

// FromRowEvent converts a row event for streaming insert.
func FromRowEvent(r *types.RowEvent) (*Row, error) {
	attrs, err := json.Marshal(orEmpty(r.Attributes))
	if err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	res, err := json.Marshal(orEmpty(r.Resource))
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	scope, err := json.Marshal(orEmpty(r.Scope))
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	return &Row{
		OrgID:      r.OrgID,
		DeviceID:   nullString(r.DeviceID),
		DeviceName: nullString(r.DeviceName),
		Datasource: nullString(r.Datasource),
		Instance:   nullString(r.Instance),
		Metric:     r.Metric,
		Unit:       nullString(r.Unit),
		Type:       r.Type,
		Ts:         time.UnixMilli(r.TsUnixMs).UTC(),
		TsUnixMs:   r.TsUnixMs,
		Value:      r.Value,
		IntValue:   nullInt(r.IntValue),
		Attributes: string(attrs),
		Resource:   string(res),
		Scope:      string(scope),
	}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
