package snowflake

import (
	"errors"
	"strings"

	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
	sf "github.com/snowflakedb/gosnowflake"
)

// Snowflake error numbers for login and session failures.
var authErrorNumbers = map[int]bool{
	390100: true, // incorrect username or password
	390101: true, // user not found
	390102: true, // user locked or disabled
	390112: true, // session no longer exists
	390114: true, // authentication token expired
	390144: true, // JWT token invalid
	390318: true, // OAuth token expired
}

// classify maps a driver error to a sink Nack.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var nack *sink.NackError
	if errors.As(err, &nack) {
		return err
	}
	return sink.Nack(reasonFor(err), err)
}

func reasonFor(err error) sink.Reason {
	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		msg := strings.ToLower(sfErr.Message)
		switch {
		case authErrorNumbers[sfErr.Number]:
			return sink.ReasonAuth
		case sfErr.SQLState == "28000" || sfErr.SQLState == "42501":
			return sink.ReasonAuth
		case strings.Contains(msg, "too many requests") || strings.Contains(msg, "429") ||
			strings.Contains(msg, "concurrency limit"):
			return sink.ReasonThrottled
		case strings.HasPrefix(sfErr.SQLState, "22"), strings.HasPrefix(sfErr.SQLState, "23"),
			strings.HasPrefix(sfErr.SQLState, "42"):
			return sink.ReasonMalformed
		}
		return sink.ReasonUnavailable
	}
	// Network failures, timeouts and broken connections.
	return sink.ReasonUnavailable
}
