// Package store is the monitoring store: an append-only record of health
// probes, integrity reports, backup history and the alert log. Every write is
// a single-row append so no cross-component locking is needed beyond the
// store's own mutex.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"marketsync/internal/models"
	"marketsync/logger"
)

const (
	healthFile    = "health.jsonl"
	integrityFile = "integrity.jsonl"
	backupFile    = "backups.jsonl"
	alertFile     = "alerts.jsonl"
	watermarkFile = "watermarks.json"
)

// Store keeps a bounded in-memory window for the monitoring API and appends
// every record to a JSONL file for durability. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	dir   string
	limit int

	health    []models.HealthRecord
	integrity []models.IntegrityReport
	backups   []models.BackupRecord
	alerts    []models.Alert

	watermarks map[string]models.SyncCursor

	files map[string]*os.File
	log   *logger.Log
}

// NewStore opens (or creates) the data directory and its append files and
// loads persisted watermarks.
func NewStore(dir string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = 500
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		limit:      limit,
		watermarks: make(map[string]models.SyncCursor),
		files:      make(map[string]*os.File),
		log:        logger.GetLogger(),
	}

	for _, name := range []string{healthFile, integrityFile, backupFile, alertFile} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		s.files[name] = f
	}

	if err := s.loadWatermarks(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadHistory(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the append files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = make(map[string]*os.File)
}

func (s *Store) appendLine(file string, v interface{}) {
	f, ok := s.files[file]
	if !ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithComponent("monitoring_store").WithError(err).Warn("failed to encode record")
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.log.WithComponent("monitoring_store").WithError(err).Warn("failed to append record")
	}
}

// AppendHealth records one probe observation.
func (s *Store) AppendHealth(rec models.HealthRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, rec)
	if len(s.health) > s.limit {
		s.health = append([]models.HealthRecord(nil), s.health[len(s.health)-s.limit:]...)
	}
	s.appendLine(healthFile, rec)
}

// AppendIntegrity records one consistency report.
func (s *Store) AppendIntegrity(rep models.IntegrityReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrity = append(s.integrity, rep)
	if len(s.integrity) > s.limit {
		s.integrity = append([]models.IntegrityReport(nil), s.integrity[len(s.integrity)-s.limit:]...)
	}
	s.appendLine(integrityFile, rep)
}

// AppendBackup records one backup attempt.
func (s *Store) AppendBackup(rec models.BackupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = append(s.backups, rec)
	if len(s.backups) > s.limit {
		s.backups = append([]models.BackupRecord(nil), s.backups[len(s.backups)-s.limit:]...)
	}
	s.appendLine(backupFile, rec)
}

// AppendAlert persists a new alert. The alert must already carry its id.
func (s *Store) AppendAlert(alert models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > s.limit {
		s.alerts = append([]models.Alert(nil), s.alerts[len(s.alerts)-s.limit:]...)
	}
	s.appendLine(alertFile, alert)
}

// Health returns the most recent health records, newest last.
func (s *Store) Health(limit int) []models.HealthRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.HealthRecord(nil), tail(s.health, limit)...)
}

// Integrity returns the most recent integrity reports, newest last.
func (s *Store) Integrity(limit int) []models.IntegrityReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.IntegrityReport(nil), tail(s.integrity, limit)...)
}

// Backups returns the most recent backup records, newest last.
func (s *Store) Backups(limit int) []models.BackupRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.BackupRecord(nil), tail(s.backups, limit)...)
}

// Alerts returns the most recent alerts, newest last.
func (s *Store) Alerts(limit int) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Alert(nil), tail(s.alerts, limit)...)
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || limit >= len(items) {
		return items
	}
	return items[len(items)-limit:]
}

// AcknowledgeAlert flips the acknowledged flag. The update is re-appended to
// the alert log so the file replays to the latest state.
func (s *Store) AcknowledgeAlert(id string) (models.Alert, error) {
	return s.updateAlert(id, func(a *models.Alert) { a.Acknowledged = true })
}

// ResolveAlert flips the resolved flag.
func (s *Store) ResolveAlert(id string) (models.Alert, error) {
	return s.updateAlert(id, func(a *models.Alert) { a.Resolved = true })
}

func (s *Store) updateAlert(id string, mutate func(*models.Alert)) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			mutate(&s.alerts[i])
			s.appendLine(alertFile, s.alerts[i])
			return s.alerts[i], nil
		}
	}
	return models.Alert{}, fmt.Errorf("alert %s not found", id)
}

// LastSuccessfulBackup reports the newest successful backup for a system.
func (s *Store) LastSuccessfulBackup(system string) (models.BackupRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.backups) - 1; i >= 0; i-- {
		if s.backups[i].System == system && s.backups[i].Status == models.BackupSuccess {
			return s.backups[i], true
		}
	}
	return models.BackupRecord{}, false
}

// Watermark returns the sync watermark for a table/collection key.
func (s *Store) Watermark(key string) (models.SyncCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.watermarks[key]
	return cur, ok
}

// SetWatermark advances the sync watermark and persists the full watermark map.
func (s *Store) SetWatermark(key string, cur models.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[key] = cur

	data, err := json.MarshalIndent(s.watermarks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode watermarks: %w", err)
	}
	tmp := filepath.Join(s.dir, watermarkFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write watermarks: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, watermarkFile))
}

// loadHistory replays the JSONL append files so a restart keeps its history:
// the backup log drives the auto-trigger guard and earlier alerts stay
// addressable through the API. Later lines for the same alert id replace
// earlier ones, so the log replays to the latest flag state. Unparsable lines
// (a torn write on crash) are skipped.
func (s *Store) loadHistory() error {
	if err := replayFile(filepath.Join(s.dir, healthFile), func(line []byte) {
		var rec models.HealthRecord
		if json.Unmarshal(line, &rec) == nil {
			s.health = append(s.health, rec)
		}
	}); err != nil {
		return err
	}
	if err := replayFile(filepath.Join(s.dir, integrityFile), func(line []byte) {
		var rep models.IntegrityReport
		if json.Unmarshal(line, &rep) == nil {
			s.integrity = append(s.integrity, rep)
		}
	}); err != nil {
		return err
	}
	if err := replayFile(filepath.Join(s.dir, backupFile), func(line []byte) {
		var rec models.BackupRecord
		if json.Unmarshal(line, &rec) == nil {
			s.backups = append(s.backups, rec)
		}
	}); err != nil {
		return err
	}

	index := make(map[string]int)
	var alerts []models.Alert
	if err := replayFile(filepath.Join(s.dir, alertFile), func(line []byte) {
		var a models.Alert
		if json.Unmarshal(line, &a) != nil || a.ID == "" {
			return
		}
		if i, ok := index[a.ID]; ok {
			alerts[i] = a
			return
		}
		index[a.ID] = len(alerts)
		alerts = append(alerts, a)
	}); err != nil {
		return err
	}
	s.alerts = alerts

	s.health = clampWindow(s.health, s.limit)
	s.integrity = clampWindow(s.integrity, s.limit)
	s.backups = clampWindow(s.backups, s.limit)
	s.alerts = clampWindow(s.alerts, s.limit)
	return nil
}

func replayFile(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}
	return scanner.Err()
}

func clampWindow[T any](items []T, limit int) []T {
	if len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}

func (s *Store) loadWatermarks() error {
	data, err := os.ReadFile(filepath.Join(s.dir, watermarkFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read watermarks: %w", err)
	}
	if err := json.Unmarshal(data, &s.watermarks); err != nil {
		return fmt.Errorf("parse watermarks: %w", err)
	}
	return nil
}
