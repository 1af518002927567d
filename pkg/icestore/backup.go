package icestore

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

const (
	// ContentType of every backup object.
	ContentType = "application/gzip"

	backupExt = ".jsonl.gz"
)

// ObjectPath builds <prefix>/errors/<errorType>/<yyyy>/<MM>/<dd>/<id>.jsonl.gz
// with the date taken from t in UTC.
func ObjectPath(prefix, errorType string, t time.Time, id string) string {
	t = t.UTC()
	return path.Join(prefix, "errors", errorType,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		id+backupExt)
}

// newObjectPath is ObjectPath with a fresh UUID.
func newObjectPath(prefix, errorType string, now time.Time) string {
	return ObjectPath(prefix, errorType, now, uuid.NewString())
}

// objectMeta labels a backup object with its error type and row count.
func objectMeta(errorType string, rows int) ObjectMeta {
	return ObjectMeta{
		ContentType: ContentType,
		Metadata: map[string]string{
			"error_type": errorType,
			"row_count":  strconv.Itoa(rows),
		},
	}
}

// EncodeRows writes rows as gzip-compressed NDJSON, one RowEvent per line.
func EncodeRows(w io.Writer, rows []*types.RowEvent) error {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for i, r := range rows {
		if err := enc.Encode(r); err != nil {
			_ = gz.Close()
			return fmt.Errorf("json encoding failed for row %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip writer close failed: %w", err)
	}
	return nil
}

// ReadBackup decodes a backup object back into RowEvents. Numbers inside the
// attribute, resource and scope maps are returned as json.Number.
func ReadBackup(r io.Reader) ([]*types.RowEvent, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(bufio.NewReader(gz))
	dec.UseNumber()
	var rows []*types.RowEvent
	for {
		var row types.RowEvent
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(rows), err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}
