package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
	sf "github.com/snowflakedb/gosnowflake"
)

// columns in table order. The last three are VARIANT and go through
// PARSE_JSON.
var columns = []string{
	"orgId", "deviceId", "deviceName", "datasource", "instance", "metric", "unit",
	"type", "ts", "tsUnixMs", "value", "intValue", "attributes", "resource", "scope",
}

const variantColumns = 3

// Opener opens a connection pool for a sink credential.
type Opener func(cfg Config, cred *secrets.SinkCredential) (*sql.DB, error)

// Writer inserts row batches into the Snowflake table. It implements
// sink.Writer.
type Writer struct {
	cfg    Config
	source secrets.SinkSource
	open   Opener
	logger zerolog.Logger

	mu    sync.Mutex
	db    *sql.DB
	stale bool
}

type Option func(*Writer)

// WithOpener replaces the gosnowflake connection opener.
func WithOpener(o Opener) Option {
	return func(w *Writer) { w.open = o }
}

// NewWriter fetches the sink credential and opens a connection pool.
func NewWriter(ctx context.Context, cfg Config, source secrets.SinkSource, logger zerolog.Logger, opts ...Option) (*Writer, error) {
	if source == nil {
		return nil, errors.New("snowflake writer needs a sink credential source")
	}
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = 500
	}
	w := &Writer{
		cfg:    cfg,
		source: source,
		open:   Open,
		logger: logger.With().Str("component", "SnowflakeWriter").Str("table", cfg.QualifiedTable()).Logger(),
	}
	for _, o := range opts {
		o(w)
	}
	db, err := w.connect(ctx)
	if err != nil {
		return nil, err
	}
	w.db = db
	w.logger.Info().Str("account", AccountIdentifier(cfg.Account)).Msg("Snowflake writer ready.")
	return w, nil
}

// Open builds a key-pair (JWT) DSN for the credential and opens it with the
// gosnowflake driver.
func Open(cfg Config, cred *secrets.SinkCredential) (*sql.DB, error) {
	user, err := cred.Username()
	if err != nil {
		return nil, err
	}
	key, err := cred.RSAPrivateKey()
	if err != nil {
		return nil, err
	}
	dsn, err := sf.DSN(&sf.Config{
		Account:       AccountIdentifier(cfg.Account),
		User:          user,
		Database:      cfg.Database,
		Schema:        cfg.Schema,
		Warehouse:     cfg.Warehouse,
		Role:          cfg.Role,
		Authenticator: sf.AuthTypeJwt,
		PrivateKey:    key,
		LoginTimeout:  cfg.LoginTimeout,
		Application:   "otlp-ingest",
	})
	if err != nil {
		return nil, fmt.Errorf("build snowflake dsn: %w", err)
	}
	return sql.Open("snowflake", dsn)
}

func (w *Writer) connect(ctx context.Context) (*sql.DB, error) {
	cred, err := w.source.SinkCredential(ctx)
	if err != nil {
		return nil, sink.Nack(sink.ReasonAuth, fmt.Errorf("fetch sink credential: %w", err))
	}
	db, err := w.open(w.cfg, cred)
	if err != nil {
		return nil, sink.Nack(sink.ReasonAuth, fmt.Errorf("open snowflake: %w", err))
	}
	return db, nil
}

// DB returns the current connection pool, reconnecting first when the last
// write failed authentication.
func (w *Writer) DB(ctx context.Context) (*sql.DB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stale && w.db != nil {
		return w.db, nil
	}
	w.logger.Info().Msg("Re-fetching sink credential after authentication failure.")
	db, err := w.connect(ctx)
	if err != nil {
		return nil, err
	}
	if w.db != nil {
		_ = w.db.Close()
	}
	w.db = db
	w.stale = false
	return db, nil
}

// Write inserts rows in one transaction, chunked into multi-row INSERTs.
func (w *Writer) Write(ctx context.Context, rows []*types.RowEvent) error {
	if len(rows) == 0 {
		return nil
	}
	db, err := w.DB(ctx)
	if err != nil {
		return err
	}

	err = w.insert(ctx, db, rows)
	if err != nil {
		if sink.ReasonOf(err) == sink.ReasonAuth {
			w.mu.Lock()
			w.stale = true
			w.mu.Unlock()
		}
		w.logger.Error().Err(err).Int("batch_size", len(rows)).Str("reason", string(sink.ReasonOf(err))).Msg("Snowflake insert failed.")
		return err
	}
	w.logger.Info().Int("batch_size", len(rows)).Msg("Inserted batch into Snowflake.")
	return nil
}

func (w *Writer) insert(ctx context.Context, db *sql.DB, rows []*types.RowEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	for start := 0; start < len(rows); start += w.cfg.InsertChunkSize {
		end := min(start+w.cfg.InsertChunkSize, len(rows))
		query, args, err := buildInsert(w.cfg.QualifiedTable(), rows[start:end])
		if err != nil {
			_ = tx.Rollback()
			return sink.Nack(sink.ReasonMalformed, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return classify(fmt.Errorf("insert rows %d-%d: %w", start, end-1, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// buildInsert renders one INSERT … SELECT … FROM VALUES statement. VARIANT
// columns cannot be bound directly, so they are bound as JSON text and
// converted with PARSE_JSON.
func buildInsert(table string, rows []*types.RowEvent) (string, []any, error) {
	quoted := make([]string, len(columns))
	selects := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
		if i >= len(columns)-variantColumns {
			selects[i] = fmt.Sprintf("PARSE_JSON(column%d)", i+1)
		} else {
			selects[i] = fmt.Sprintf("column%d", i+1)
		}
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM VALUES ", table, strings.Join(quoted, ", "), strings.Join(selects, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
		rowArgs, err := rowArgs(r)
		if err != nil {
			return "", nil, err
		}
		args = append(args, rowArgs...)
	}
	return b.String(), args, nil
}

func rowArgs(r *types.RowEvent) ([]any, error) {
	attrs, err := jsonText(r.Attributes)
	if err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	res, err := jsonText(r.Resource)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	scope, err := jsonText(r.Scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	return []any{
		r.OrgID, nullable(r.DeviceID), nullable(r.DeviceName), nullable(r.Datasource),
		nullable(r.Instance), r.Metric, nullable(r.Unit), r.Type, r.Ts, r.TsUnixMs,
		r.Value, nullableInt(r.IntValue), attrs, res, scope,
	}, nil
}

func nullableInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonText(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Close closes the connection pool.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	w.logger.Info().Msg("Closing Snowflake writer.")
	return w.db.Close()
}
