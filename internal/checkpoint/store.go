package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/controller/internal/resilience"
)

// Store is a file-based Checkpoint Store: one file per orderId under Dir,
// written atomically (temp file + rename) with 0o600 permissions.
type Store struct {
	dir string

	mu sync.Mutex // serializes the temp-file dance per process; cross-process safety comes from rename()

	writeDuration metric.Float64Histogram
	readDuration  metric.Float64Histogram

	nowFn func() int64
}

// NewStore constructs a Store rooted at dir, creating it if necessary.
func NewStore(dir string, meter metric.Meter) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	writeDuration, err := meter.Float64Histogram(
		"controller_cs_write_duration_ms",
		metric.WithDescription("checkpoint save latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	readDuration, err := meter.Float64Histogram(
		"controller_cs_read_duration_ms",
		metric.WithDescription("checkpoint load latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:           dir,
		writeDuration: writeDuration,
		readDuration:  readDuration,
		nowFn:         func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (s *Store) path(orderID string) string {
	return filepath.Join(s.dir, sanitize(orderID)+".json")
}

// sanitize strips path separators from orderID so it cannot escape dir.
func sanitize(orderID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(orderID)
}

// Save writes the checkpoint for (orderId, itemId, step, attempt, state)
// atomically: a temp file is written in dir and renamed over the final
// path, so a concurrent reader never observes a partial file and the last
// writer for a given orderId wins.
func (s *Store) Save(ctx context.Context, orderID, itemID string, step Step, attempt int, state interface{}) error {
	start := time.Now()
	defer func() {
		if s.writeDuration != nil {
			s.writeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	cp := Checkpoint{
		SchemaVersion:  SchemaVersion,
		OrderID:        orderID,
		ItemID:         itemID,
		Step:           step,
		AttemptNumber:  attempt,
		Resumable:      Resumable(step),
		State:          state,
		CreatedAtEpoch: s.nowFn(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(orderID)
	tmp := final + fmt.Sprintf(".tmp-%d", s.nowFn())

	// The write+rename dance can hit transient EMFILE/EBUSY errors under load
	// on some filesystems; retry a handful of times with backoff rather than
	// failing a checkpoint save outright.
	_, err = resilience.Retry(ctx, 3, 5*time.Millisecond, func() (struct{}, error) {
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return struct{}{}, fmt.Errorf("checkpoint: write temp: %w", err)
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return struct{}{}, fmt.Errorf("checkpoint: rename: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Load returns the checkpoint for orderId. A missing file yields
// NotFoundError; a corrupt file yields ParseError.
func (s *Store) Load(ctx context.Context, orderID string) (*Checkpoint, error) {
	start := time.Now()
	defer func() {
		if s.readDuration != nil {
			s.readDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	data, err := os.ReadFile(s.path(orderID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NotFoundError{OrderID: orderID}
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, ParseError{OrderID: orderID, Cause: err}
	}
	return &cp, nil
}

// Has reports whether a checkpoint file exists for orderId.
func (s *Store) Has(orderID string) bool {
	_, err := os.Stat(s.path(orderID))
	return err == nil
}

// Delete removes the checkpoint file for orderId, if present.
func (s *Store) Delete(orderID string) error {
	err := os.Remove(s.path(orderID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// List returns every orderId with a checkpoint file, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".tmp-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// CleanupOlderThan removes every checkpoint file whose createdAtEpoch is
// older than ageMs relative to now, returning the number removed.
func (s *Store) CleanupOlderThan(ageMs int64) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.nowFn() - ageMs
	removed := 0
	for _, id := range ids {
		cp, err := s.Load(context.Background(), id)
		if err != nil {
			continue
		}
		if cp.CreatedAtEpoch < cutoff {
			if err := s.Delete(id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
