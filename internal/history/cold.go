package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// coldFileFor returns the NDJSON path for the UTC day a timestamp falls on,
// rotating at midnight UTC per SPEC_FULL.md §4.5 "History tiers".
func (s *Store) coldFileFor(t time.Time) string {
	day := t.UTC().Format("2006-01-02")
	return filepath.Join(s.cfg.ColdDir, day+".ndjson")
}

// appendCold writes event to its day's NDJSON file and records its offset in
// the sqlite index.
func (s *Store) appendCold(event model.HistoricalEvent) error {
	if s.cfg.ColdDir == "" {
		return nil
	}
	path := s.coldFileFor(event.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "opening cold ndjson file", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "seeking cold ndjson file", err)
	}

	w := bufio.NewWriter(f)
	line, err := json.Marshal(event)
	if err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "marshaling historical event", err)
	}
	if _, err := w.Write(line); err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "writing cold ndjson line", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "writing cold ndjson newline", err)
	}
	if err := w.Flush(); err != nil {
		return loxerr.Wrap(loxerr.KindInternal, "flushing cold ndjson file", err)
	}

	if s.db != nil {
		day := event.Timestamp.UTC().Format("2006-01-02")
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO events (id, category, ts_unix_nano, day, file_offset) VALUES (?, ?, ?, ?, ?)`,
			event.ID, string(event.Category), event.Timestamp.UnixNano(), day, offset,
		)
		if err != nil {
			return loxerr.Wrap(loxerr.KindInternal, "indexing cold event", err)
		}
	}
	return nil
}

// queryCold consults the sqlite index for matching rows, then reads each
// event back from its NDJSON file at the recorded offset.
func (s *Store) queryCold(ctx context.Context, opts QueryOptions) ([]model.HistoricalEvent, error) {
	if s.db == nil {
		return nil, nil
	}

	query := `SELECT day, file_offset FROM events WHERE 1=1`
	var args []any
	if len(opts.Categories) > 0 {
		placeholders := ""
		for i, cat := range opts.Categories {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(cat))
		}
		query += fmt.Sprintf(" AND category IN (%s)", placeholders)
	}
	if !opts.Since.IsZero() {
		query += " AND ts_unix_nano >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if !opts.Until.IsZero() {
		query += " AND ts_unix_nano <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	query += " ORDER BY ts_unix_nano " + order
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loxerr.Wrap(loxerr.KindInternal, "querying cold index", err)
	}
	defer rows.Close()

	type hit struct {
		day    string
		offset int64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.day, &h.offset); err != nil {
			return nil, loxerr.Wrap(loxerr.KindInternal, "scanning cold index row", err)
		}
		hits = append(hits, h)
	}

	var out []model.HistoricalEvent
	for _, h := range hits {
		event, err := s.readColdEventAt(h.day, h.offset)
		if err != nil {
			continue
		}
		if opts.SourceFilter != "" && event.Source != opts.SourceFilter {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *Store) readColdEventAt(day string, offset int64) (model.HistoricalEvent, error) {
	path := filepath.Join(s.cfg.ColdDir, day+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		return model.HistoricalEvent{}, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		return model.HistoricalEvent{}, err
	}
	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return model.HistoricalEvent{}, err
	}
	var event model.HistoricalEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return model.HistoricalEvent{}, err
	}
	return event, nil
}

// RunTiering runs the background migration loop until ctx is canceled,
// moving hot entries older than cfg.HotAge to the cold tier every
// cfg.TieringPeriod (SPEC_FULL.md §4.5 "Tiering").
func (s *Store) RunTiering(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TieringPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tierOnce()
		}
	}
}

func (s *Store) tierOnce() {
	cutoff := time.Now().Add(-s.cfg.HotAge)
	s.mu.RLock()
	cats := make([]model.EventCategory, 0, len(s.hot))
	rings := make(map[model.EventCategory][]model.HistoricalEvent, len(s.hot))
	for cat, rb := range s.hot {
		cats = append(cats, cat)
		rings[cat] = rb.ReadAll()
	}
	s.mu.RUnlock()

	for _, cat := range cats {
		for _, e := range rings[cat] {
			if e.Timestamp.Before(cutoff) {
				_ = s.appendCold(e)
			}
		}
	}
	// Hot entries are not individually removed here: the ring buffer's
	// fixed capacity evicts them in FIFO order as new writes arrive, and
	// every hot entry has already been durably written to cold by the time
	// it ages out, so no explicit drop step is required.
	s.pruneExpiredCold()
}

// pruneExpiredCold deletes cold-tier day files (and their index rows) past
// each category's retention window (SPEC_FULL.md §4.5, defaults in §6.3).
func (s *Store) pruneExpiredCold() {
	if s.db == nil || s.cfg.ColdDir == "" {
		return
	}
	for cat, days := range s.cfg.RetentionDays {
		cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
		rows, err := s.db.Query(`SELECT DISTINCT day FROM events WHERE category = ? AND ts_unix_nano < ?`, string(cat), cutoff)
		if err != nil {
			continue
		}
		var expiredDays []string
		for rows.Next() {
			var d string
			if rows.Scan(&d) == nil {
				expiredDays = append(expiredDays, d)
			}
		}
		rows.Close()
		for _, d := range expiredDays {
			s.purgeDay(string(cat), d, cutoff)
		}
	}
}

func (s *Store) purgeDay(category, day string, cutoff int64) {
	_, _ = s.db.Exec(`DELETE FROM events WHERE category = ? AND day = ? AND ts_unix_nano < ?`, category, day, cutoff)
	var remaining int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE day = ?`, day).Scan(&remaining)
	if remaining == 0 {
		_ = os.Remove(filepath.Join(s.cfg.ColdDir, day+".ndjson"))
	}
}
