// Package backup snapshots both stores to compressed, checksummed files. The
// time-series side becomes a snappy parquet file, the record store a gzipped
// JSONL export. Every attempt is recorded; a failed backup raises a warning
// alert and is NOT retried, the next scheduled run simply tries again.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/logger"
)

const (
	SystemSource = "source"
	SystemSink   = "sink"
)

// SourceExporter streams every row of a table.
type SourceExporter interface {
	ExportRows(ctx context.Context, table string, fn func(models.Tick) error) (int64, error)
}

// SinkExporter walks a collection page by page.
type SinkExporter interface {
	ExportRecords(ctx context.Context, collection string, pageSize int, fn func([]models.SinkRecord) error) (int64, error)
}

// BackupStore records attempts and answers the auto-trigger question.
type BackupStore interface {
	AppendBackup(rec models.BackupRecord)
	LastSuccessfulBackup(system string) (models.BackupRecord, bool)
}

// AlertRaiser raises the warning for a failed run.
type AlertRaiser interface {
	Raise(ctx context.Context, severity models.AlertSeverity, component, message string)
}

// Manager runs scheduled and manual backups for both systems.
type Manager struct {
	cfg    appconfig.BackupConfig
	tables []appconfig.TableMap
	source SourceExporter
	sink   SinkExporter
	store  BackupStore
	alerts AlertRaiser

	s3Client *s3.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	log *logger.Log
}

func NewManager(cfg appconfig.BackupConfig, tables []appconfig.TableMap, source SourceExporter, sink SinkExporter, store BackupStore, alerts AlertRaiser) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		tables: tables,
		source: source,
		sink:   sink,
		store:  store,
		alerts: alerts,
		log:    logger.GetLogger(),
	}

	if cfg.S3.Enabled {
		client, err := newS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		m.s3Client = client
	}
	return m, nil
}

func newS3Client(cfg appconfig.S3UploadConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Start launches the auto-trigger loop. Each system is backed up whenever its
// last successful backup is older than the retention window.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("backup manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithComponent("backup_manager").WithFields(logger.Fields{
		"dir":              m.cfg.Dir,
		"retention_window": m.cfg.RetentionWindow.String(),
		"s3":               m.s3Client != nil,
	}).Info("starting backup manager")

	m.wg.Add(1)
	go m.autoTriggerLoop()
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.log.WithComponent("backup_manager").Info("backup manager stopped")
}

func (m *Manager) autoTriggerLoop() {
	defer m.wg.Done()

	// Checking well inside the window keeps the "stale after 24h" promise
	// even when a run fails and has to wait for the next check.
	interval := m.cfg.RetentionWindow / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.runDueBackups()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runDueBackups()
		}
	}
}

func (m *Manager) runDueBackups() {
	for _, system := range []string{SystemSource, SystemSink} {
		if !m.Due(system) {
			continue
		}
		m.Backup(m.ctx, system, models.BackupFull)
	}
}

// Due reports whether a system's newest successful backup is older than the
// retention window (or missing entirely).
func (m *Manager) Due(system string) bool {
	last, ok := m.store.LastSuccessfulBackup(system)
	if !ok {
		return true
	}
	return time.Since(last.CreatedAt) >= m.cfg.RetentionWindow
}

// Backup runs one snapshot of the given system. The outcome is always
// recorded; the returned record carries the terminal status. A manual trigger
// calls this directly regardless of Due.
func (m *Manager) Backup(ctx context.Context, system string, typ models.BackupType) models.BackupRecord {
	rec := models.BackupRecord{
		ID:        uuid.NewString(),
		System:    system,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}

	var since time.Time
	if typ == models.BackupIncremental {
		if last, ok := m.store.LastSuccessfulBackup(system); ok {
			since = last.CreatedAt
		}
	}

	var (
		data []byte
		ext  string
		err  error
	)
	switch system {
	case SystemSource:
		ext = "parquet"
		data, err = m.exportSource(ctx, since)
	case SystemSink:
		ext = "jsonl.gz"
		data, err = m.exportSink(ctx, since)
	default:
		err = fmt.Errorf("unknown backup system %q", system)
	}

	if err == nil {
		sum := sha256.Sum256(data)
		rec.Checksum = hex.EncodeToString(sum[:])
		rec.SizeBytes = int64(len(data))
		rec.Path = filepath.Join(m.cfg.Dir, fmt.Sprintf("%s_%s_%s_%s.%s",
			system, typ, rec.CreatedAt.Format("20060102T150405Z"), rec.ID[:8], ext))
		err = os.WriteFile(rec.Path, data, 0o644)
	}

	if err != nil {
		rec.Status = models.BackupFailed
		rec.Error = err.Error()
		m.store.AppendBackup(rec)
		metrics.IncrementBackups(system, string(models.BackupFailed))
		m.log.WithComponent("backup_manager").WithError(err).WithFields(logger.Fields{
			"system": system,
			"type":   typ,
		}).Error("backup failed")
		m.alerts.Raise(ctx, models.SeverityWarning, "backup_manager",
			fmt.Sprintf("%s backup failed: %v", system, err))
		return rec
	}

	rec.Status = models.BackupSuccess
	m.store.AppendBackup(rec)
	metrics.IncrementBackups(system, string(models.BackupSuccess))
	m.log.WithComponent("backup_manager").WithFields(logger.Fields{
		"system":   system,
		"type":     typ,
		"path":     rec.Path,
		"size":     rec.SizeBytes,
		"checksum": rec.Checksum,
	}).Info("backup complete")

	m.uploadToS3(ctx, rec, data)
	return rec
}

// exportSource snapshots every configured table into one parquet payload.
// Incremental runs keep only rows newer than the previous successful backup.
func (m *Manager) exportSource(ctx context.Context, since time.Time) ([]byte, error) {
	var rows []tickParquetRow
	for _, tm := range m.tables {
		_, err := m.source.ExportRows(ctx, tm.Table, func(t models.Tick) error {
			if !since.IsZero() && !t.Timestamp.After(since) {
				return nil
			}
			rows = append(rows, tickRow(tm.Table, t))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", tm.Table, err)
		}
	}
	return encodeParquet(rows)
}

// exportSink snapshots every configured collection into one gzipped JSONL
// payload. The gzip header carries no timestamp so identical data yields an
// identical checksum.
func (m *Manager) exportSink(ctx context.Context, since time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)

	for _, tm := range m.tables {
		_, err := m.sink.ExportRecords(ctx, tm.Collection, m.cfg.PageSize, func(batch []models.SinkRecord) error {
			for _, rec := range batch {
				if !since.IsZero() && !rec.Timestamp.After(since) {
					continue
				}
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", tm.Collection, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// uploadToS3 is best effort: the local file is the artifact of record.
func (m *Manager) uploadToS3(ctx context.Context, rec models.BackupRecord, data []byte) {
	if m.s3Client == nil {
		return
	}

	key := filepath.ToSlash(filepath.Join(m.cfg.S3.Prefix, filepath.Base(rec.Path)))
	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := m.s3Client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"backup-id": rec.ID,
			"checksum":  rec.Checksum,
		},
	})
	if err != nil {
		m.log.WithComponent("backup_manager").WithError(err).WithFields(logger.Fields{
			"key": key,
		}).Warn("s3 upload failed, local backup remains valid")
		return
	}
	m.log.WithComponent("backup_manager").WithFields(logger.Fields{
		"bucket": m.cfg.S3.Bucket,
		"key":    key,
	}).Info("backup uploaded to s3")
}
