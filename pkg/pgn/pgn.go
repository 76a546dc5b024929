// Package pgn stores game records uploaded by workers for their tasks.
package pgn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/official-monty/montytest/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no game record exists for a key.
var ErrNotFound = errors.New("pgn not found")

// ContentType is the MIME type of stored game records.
const ContentType = "application/x-chess-pgn"

// Store persists uploaded game records by key.
type Store interface {
	// Preflight verifies the backend is writable.
	Preflight(ctx context.Context) error

	Put(ctx context.Context, key string, body io.Reader) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the storage key of the game record of a task.
func Key(prefix, runID string, taskID int) string {
	name := fmt.Sprintf("%s-%d.pgn", runID, taskID)

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}

// NewStore creates the store for the enabled backend. It returns nil when
// no backend is enabled.
func NewStore(log logrus.FieldLogger, cfg *config.PGNConfig) Store {
	switch {
	case cfg.S3.Enabled:
		return NewS3Store(log, &cfg.S3)
	case cfg.Local.Enabled:
		return NewLocalStore(log, cfg.Local.Dir)
	default:
		return nil
	}
}

// Prefix returns the key prefix for the enabled backend.
func Prefix(cfg *config.PGNConfig) string {
	if cfg.S3.Enabled {
		return cfg.S3.Prefix
	}

	return ""
}
