package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/pkg/logger"
)

var ErrLedgerCorrupt = errors.New("guest ledger is corrupt")

// Meta is the request detail refreshed on every guest check.
type Meta struct {
	Fingerprint string
	Headers     map[string]string
}

// Summary aggregates the ledger for operator views.
type Summary struct {
	Identities    int `json:"identities"`
	Exhausted     int `json:"exhausted"`
	TotalRequests int `json:"totalRequests"`
}

// Ledger holds lifetime guest usage.
type Ledger interface {
	Get(key string) (models.GuestQuotaRecord, bool)
	// Admit refreshes lastSeen and counts one request unless the record is
	// already at max. The ledger is persisted before Admit returns; a
	// persistence failure is reported through err but does not change the
	// admission result.
	Admit(key string, max int, now time.Time, meta Meta) (rec models.GuestQuotaRecord, admitted bool, err error)
	Prune(now time.Time, retention time.Duration) int
	Snapshot() map[string]models.GuestQuotaRecord
	Summarize(max int) Summary
	Reset(key string) (bool, error)
	ResetAll() (int, error)
	Save() error
	Close() error
}

// FileLedger keeps the ledger in memory and mirrors it to one JSON document.
type FileLedger struct {
	mu      sync.Mutex
	path    string
	records map[string]models.GuestQuotaRecord
	dirty   bool
	log     zerolog.Logger

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// OpenFileLedger loads path, creating its directory when needed. An unreadable
// or malformed document is moved aside and the ledger starts empty.
func OpenFileLedger(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &FileLedger{
		path:    path,
		records: make(map[string]models.GuestQuotaRecord),
		log:     logger.Component("ledger"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.load()
	return l, nil
}

func (l *FileLedger) Path() string { return l.path }

func (l *FileLedger) load() {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Str("path", l.path).Msg("Guest ledger unreadable, starting empty")
		return
	}
	if len(data) == 0 {
		return
	}

	records, err := decodeLedger(data)
	if err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", l.path, time.Now().Unix())
		if renameErr := os.Rename(l.path, quarantined); renameErr != nil {
			l.log.Error().Err(renameErr).Str("path", l.path).Msg("Failed to move corrupt guest ledger aside")
			quarantined = ""
		}
		l.log.Warn().
			Err(err).
			Str("path", l.path).
			Str("moved_to", quarantined).
			Msg("Guest ledger is corrupt, starting empty")
		return
	}

	l.records = records
	l.log.Info().Int("identities", len(records)).Str("path", l.path).Msg("Guest ledger loaded")
}

func decodeLedger(data []byte) (map[string]models.GuestQuotaRecord, error) {
	var records map[string]models.GuestQuotaRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
	}
	if records == nil {
		records = make(map[string]models.GuestQuotaRecord)
	}
	return records, nil
}

func (l *FileLedger) Get(key string) (models.GuestQuotaRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	return rec, ok
}

func (l *FileLedger) Admit(key string, max int, now time.Time, meta Meta) (models.GuestQuotaRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ms := now.UnixMilli()
	rec, exists := l.records[key]
	admitted := !exists || rec.Count < max
	if !exists {
		rec.FirstSeen = ms
	}
	if admitted {
		rec.Count++
	}
	rec.LastSeen = ms
	if meta.Fingerprint != "" {
		rec.Fingerprint = meta.Fingerprint
	}
	if len(meta.Headers) > 0 {
		rec.Headers = meta.Headers
	}
	l.records[key] = rec
	l.dirty = true

	return rec, admitted, l.saveLocked()
}

func (l *FileLedger) Prune(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := now.Add(-retention).UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, rec := range l.records {
		if rec.LastSeen < cutoff {
			delete(l.records, key)
			removed++
		}
	}
	if removed > 0 {
		l.dirty = true
		l.log.Info().Int("removed", removed).Msg("Pruned stale guest ledger entries")
	}
	return removed
}

func (l *FileLedger) Snapshot() map[string]models.GuestQuotaRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]models.GuestQuotaRecord, len(l.records))
	for k, v := range l.records {
		out[k] = v
	}
	return out
}

func (l *FileLedger) Summarize(max int) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{Identities: len(l.records)}
	for _, rec := range l.records {
		s.TotalRequests += rec.Count
		if max > 0 && rec.Count >= max {
			s.Exhausted++
		}
	}
	return s
}

func (l *FileLedger) Reset(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[key]; !ok {
		return false, nil
	}
	delete(l.records, key)
	l.dirty = true
	return true, l.saveLocked()
}

func (l *FileLedger) ResetAll() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.records)
	l.records = make(map[string]models.GuestQuotaRecord)
	l.dirty = true
	return n, l.saveLocked()
}

func (l *FileLedger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// saveLocked writes to a temp file in the same directory, renames it over the
// ledger, then reads it back to confirm the document parses.
func (l *FileLedger) saveLocked() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode guest ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return l.saveFailed(fmt.Errorf("failed to create temp ledger file: %w", err))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return l.saveFailed(fmt.Errorf("failed to write temp ledger file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return l.saveFailed(fmt.Errorf("failed to sync temp ledger file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return l.saveFailed(fmt.Errorf("failed to close temp ledger file: %w", err))
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		cleanup()
		return l.saveFailed(fmt.Errorf("failed to replace ledger file: %w", err))
	}

	written, err := os.ReadFile(l.path)
	if err != nil {
		return l.saveFailed(fmt.Errorf("failed to read back ledger file: %w", err))
	}
	verified, err := decodeLedger(written)
	if err != nil {
		return l.saveFailed(err)
	}
	if len(verified) != len(l.records) {
		return l.saveFailed(fmt.Errorf("%w: wrote %d entries, read back %d", ErrLedgerCorrupt, len(l.records), len(verified)))
	}

	l.dirty = false
	return nil
}

func (l *FileLedger) saveFailed(err error) error {
	l.log.Error().Err(err).Str("path", l.path).Msg("Failed to persist guest ledger")
	return err
}

// StartFlusher persists pending changes every interval until Close.
func (l *FileLedger) StartFlusher(interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.startOnce.Do(func() {
		go func() {
			defer close(l.done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.flushIfDirty()
				case <-l.stop:
					return
				}
			}
		}()
	})
}

func (l *FileLedger) flushIfDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return
	}
	_ = l.saveLocked()
}

// Close stops the flusher and writes any pending changes.
func (l *FileLedger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		started := true
		l.startOnce.Do(func() { started = false })
		if started {
			<-l.done
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.dirty {
			err = l.saveLocked()
		}
	})
	return err
}
