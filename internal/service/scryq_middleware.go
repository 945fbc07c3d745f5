package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// scryQuerierMiddleware implements [DECORATOR_PATTERN] to add observability
// to the query path without touching business logic.
type scryQuerierMiddleware struct {
	next   ScryQuerier
	logger *slog.Logger
}

// Query wraps the cached scry with execution timing and outcome logging.
func (m *scryQuerierMiddleware) Query(ctx context.Context, path string) (json.RawMessage, error) {
	start := time.Now()

	result, err := m.next.Query(ctx, path)

	duration := time.Since(start)
	if err != nil {
		m.logger.Error("SCRY_QUERY_FAILED",
			"err", err,
			"path", path,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		m.logger.Debug("SCRY_QUERY_COMPLETED",
			"path", path,
			"bytes", len(result),
			"duration_ms", duration.Milliseconds(),
		)
	}

	return result, err
}
