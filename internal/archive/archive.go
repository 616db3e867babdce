package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

// Extension is appended to every archived object key.
const Extension = ".json.sz"

// Archiver writes raw bodies to an ObjectStore.
type Archiver struct {
	objects ObjectStore
	logger  *slog.Logger
}

// New creates an archiver. A nil logger uses slog.Default().
func New(objects ObjectStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{objects: objects, logger: logger}
}

// Key returns the object key for a row:
// raw/<store>/<table>/<yyyy>/<mm>/<dd>/<id>.json.sz, dated in UTC.
func Key(store, table string, id int64, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("raw/%s/%s/%04d/%02d/%02d/%s%s",
		store, table, at.Year(), int(at.Month()), at.Day(), strconv.FormatInt(id, 10), Extension)
}

// Put stores body for one row and returns its key.
func (a *Archiver) Put(ctx context.Context, store, table string, id int64, at time.Time, body []byte) (string, error) {
	key := Key(store, table, id, at)
	compressed := snappy.Encode(nil, body)
	if err := a.objects.Put(ctx, key, compressed); err != nil {
		return "", fmt.Errorf("archive: failed to store %s: %w", key, err)
	}
	a.logger.Debug("archive: stored body", "key", key, "bytes", len(body), "compressed", len(compressed))
	return key, nil
}

// Get reads back and decompresses an archived body.
func (a *Archiver) Get(ctx context.Context, key string) ([]byte, error) {
	compressed, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("archive: corrupt object %s: %w", key, err)
	}
	return body, nil
}

// List returns the archived keys of one table, or of every table in a store
// when table is empty.
func (a *Archiver) List(ctx context.Context, store, table string) ([]string, error) {
	prefix := "raw/" + store + "/"
	if table != "" {
		prefix += table + "/"
	}
	return a.objects.List(ctx, prefix)
}
