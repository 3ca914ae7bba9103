// Package history implements C6, the History Store from SPEC_FULL.md §4.5:
// a per-category hot ring (adapted from the base codebase's
// internal/buffers.RingBuffer), an append-only cold NDJSON tier rotated
// daily, a sqlite timestamp index over the cold tier, and a background
// tiering worker that migrates aged hot entries to cold.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intruder1912/mcp-loxone-sub001/internal/buffers"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
	"github.com/intruder1912/mcp-loxone-sub001/internal/pagination"
)

// Config controls hot capacity, cold directory, retention, and tiering
// cadence (SPEC_FULL.md §4.5/§6.3).
type Config struct {
	HotCapacity    int
	ColdDir        string
	RetentionDays  map[model.EventCategory]int
	HotAge         time.Duration // default 1h; entries older migrate to cold
	TieringPeriod  time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.HotCapacity <= 0 {
		c.HotCapacity = 10000
	}
	if c.HotAge <= 0 {
		c.HotAge = time.Hour
	}
	if c.TieringPeriod <= 0 {
		c.TieringPeriod = 5 * time.Minute
	}
	return c
}

// Store is C6: one hot ring per EventCategory, a shared cold NDJSON tier,
// and a sqlite index over cold-tier timestamps.
type Store struct {
	cfg Config

	mu   sync.RWMutex
	hot  map[model.EventCategory]*buffers.RingBuffer[model.HistoricalEvent]

	db *sql.DB

	seq uint64
}

// Open constructs a Store, creating the cold directory and sqlite index if
// needed.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.ColdDir != "" {
		if err := os.MkdirAll(cfg.ColdDir, 0o755); err != nil {
			return nil, loxerr.Wrap(loxerr.KindConfigInvalid, "creating cold history directory", err).WithField("history_cold_dir")
		}
	}

	s := &Store{cfg: cfg, hot: make(map[model.EventCategory]*buffers.RingBuffer[model.HistoricalEvent])}

	if cfg.ColdDir != "" {
		dbPath := filepath.Join(cfg.ColdDir, "index.sqlite")
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, loxerr.Wrap(loxerr.KindInternal, "opening sqlite index", err)
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			ts_unix_nano INTEGER NOT NULL,
			day TEXT NOT NULL,
			file_offset INTEGER NOT NULL
		)`); err != nil {
			db.Close()
			return nil, loxerr.Wrap(loxerr.KindInternal, "creating sqlite schema", err)
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_category_ts ON events(category, ts_unix_nano)`); err != nil {
			db.Close()
			return nil, loxerr.Wrap(loxerr.KindInternal, "creating sqlite index", err)
		}
		s.db = db
	}
	return s, nil
}

// Close releases the sqlite handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ringFor(category model.EventCategory) *buffers.RingBuffer[model.HistoricalEvent] {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.hot[category]
	if !ok {
		rb = buffers.NewRingBuffer[model.HistoricalEvent](s.cfg.HotCapacity)
		s.hot[category] = rb
	}
	return rb
}

// nextSeq hands out the monotonic sequence number that breaks cursor ties
// between events sharing a Timestamp.
func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return int64(s.seq)
}

// AppendStateEvent implements dispatch.HistorySink: it shapes a StateUpdate
// into a HistoricalEvent tagged DeviceState and appends it to the hot tier.
func (s *Store) AppendStateEvent(update model.StateUpdate, deviceUUID, deviceName, roomName string, category model.Category) {
	seq := s.nextSeq()
	event := model.HistoricalEvent{
		ID:        fmt.Sprintf("%d-%s", seq, update.StateUUID),
		Timestamp: update.Timestamp,
		Category:  model.CategoryDeviceState,
		Source:    deviceUUID,
		Sequence:  seq,
		Payload: map[string]any{
			"device_uuid": deviceUUID,
			"device_name": deviceName,
			"room_name":   roomName,
			"category":    string(category),
			"value":       update.Value,
			"version":     update.Version,
		},
	}
	s.ringFor(model.CategoryDeviceState).WriteOne(event)
}

// AppendEvent appends an arbitrary HistoricalEvent (used by C9 audit entries
// and other non-device-state categories) to its category's hot ring. If the
// caller left Sequence unset, one is assigned so the event still participates
// in cursor pagination.
func (s *Store) AppendEvent(event model.HistoricalEvent) {
	if event.Sequence == 0 {
		event.Sequence = s.nextSeq()
	}
	s.ringFor(event.Category).WriteOne(event)
}

// QueryOptions parameterize Query per SPEC_FULL.md §4.5 "Query interface".
// The zero value sorts descending by timestamp (the spec's default); set
// Ascending to reverse.
type QueryOptions struct {
	Categories   []model.EventCategory
	Since, Until time.Time
	SourceFilter string
	Limit        int
	Ascending    bool
	// Cursor restarts a prior query exactly where it left off, using the
	// NextCursor of the previous page instead of a recomputed Since/Until
	// bound. Takes precedence over Since/Until when set.
	Cursor string
}

// Query serves first from hot, then from cold, sorted-merged by timestamp.
// Results are restartable either by narrowing (Since, Limit) or by passing
// the Cursor returned from a previous page's NextCursor.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]model.HistoricalEvent, error) {
	descending := !opts.Ascending
	var cursor pagination.Cursor
	if opts.Cursor != "" {
		c, err := pagination.ParseCursor(opts.Cursor)
		if err != nil {
			return nil, loxerr.Wrap(loxerr.KindInvalidInput, "parsing history cursor", err).WithField("cursor")
		}
		cursor = c
	}

	var hotResults []model.HistoricalEvent
	cats := opts.Categories
	if len(cats) == 0 {
		cats = s.allCategories()
	}
	for _, cat := range cats {
		rb := s.ringFor(cat)
		for _, e := range rb.ReadAll() {
			if matchesQuery(e, opts, cursor, descending) {
				hotResults = append(hotResults, e)
			}
		}
	}

	coldResults, err := s.queryCold(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Cursor != "" {
		coldResults = filterByCursor(coldResults, cursor, descending)
	}
	// Tiering copies aged events to cold without removing them from hot, so
	// an event may be in both tiers; keep only its hot copy.
	if len(hotResults) > 0 && len(coldResults) > 0 {
		inHot := make(map[string]bool, len(hotResults))
		for _, e := range hotResults {
			inHot[e.ID] = true
		}
		kept := coldResults[:0]
		for _, e := range coldResults {
			if e.ID == "" || !inHot[e.ID] {
				kept = append(kept, e)
			}
		}
		coldResults = kept
	}

	merged := mergeSorted(hotResults, coldResults, descending)
	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged, nil
}

// NextCursor builds the cursor string a caller should pass back to Query to
// fetch the page following results, or "" when results is empty.
func NextCursor(results []model.HistoricalEvent, ascending bool) string {
	if len(results) == 0 {
		return ""
	}
	last := results[len(results)-1]
	return pagination.BuildCursor(last.Timestamp.Format(time.RFC3339Nano), last.Sequence)
}

func (s *Store) allCategories() []model.EventCategory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EventCategory, 0, len(s.hot))
	for cat := range s.hot {
		out = append(out, cat)
	}
	return out
}

func matchesQuery(e model.HistoricalEvent, opts QueryOptions, cursor pagination.Cursor, descending bool) bool {
	if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
		return false
	}
	if opts.SourceFilter != "" && e.Source != opts.SourceFilter {
		return false
	}
	if opts.Cursor != "" {
		ts := e.Timestamp.Format(time.RFC3339Nano)
		if descending && !cursor.IsOlder(ts, e.Sequence) {
			return false
		}
		if !descending && !cursor.IsNewer(ts, e.Sequence) {
			return false
		}
	}
	return true
}

// filterByCursor applies the same cursor boundary matchesQuery applies to
// hot-tier results, for cold-tier rows returned by queryCold.
func filterByCursor(events []model.HistoricalEvent, cursor pagination.Cursor, descending bool) []model.HistoricalEvent {
	out := events[:0]
	for _, e := range events {
		ts := e.Timestamp.Format(time.RFC3339Nano)
		if descending && !cursor.IsOlder(ts, e.Sequence) {
			continue
		}
		if !descending && !cursor.IsNewer(ts, e.Sequence) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func mergeSorted(a, b []model.HistoricalEvent, descending bool) []model.HistoricalEvent {
	merged := make([]model.HistoricalEvent, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	sort.Slice(merged, func(i, j int) bool {
		if descending {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
