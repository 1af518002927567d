package fanout

import (
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// Transformer plugs Expand into the processing pipeline. Dropped points are
// logged with their reason and counted; they never fail the bundle.
type Transformer struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewTransformer(logger zerolog.Logger, m *metrics.Metrics) *Transformer {
	return &Transformer{
		logger:  logger.With().Str("component", "FanOut").Logger(),
		metrics: m,
	}
}

// Transform expands one consumed bundle. A returned error is always a
// *ProcessingError.
func (t *Transformer) Transform(msg types.ConsumedMessage) ([]*types.RowEvent, error) {
	res, err := Expand(msg.Payload)
	if err != nil {
		return nil, err
	}
	for _, d := range res.Dropped {
		t.logger.Warn().
			Str("msg_id", msg.ID).
			Str("metric", d.Metric).
			Int("point", d.Point).
			Err(d.Err).
			Msg("Dropping unparseable data point.")
	}
	t.metrics.Expanded(len(res.Rows), len(res.Dropped))
	t.logger.Debug().Str("msg_id", msg.ID).Int("rows", len(res.Rows)).Msg("Bundle expanded.")
	return res.Rows, nil
}
