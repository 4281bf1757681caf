// Package api hosts the monitoring REST surface: health, integrity, backup
// and alert history out of the monitoring store, sync statistics, the
// prometheus endpoint and the websocket stream mount.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/monitor"
	"marketsync/internal/store"
	"marketsync/logger"
)

// SyncStats exposes the latest pipeline pass results.
type SyncStats interface {
	Stats() []models.SyncJobStats
	TriggerFull(ctx context.Context) []models.SyncJobStats
}

// BackupTrigger runs one manual backup.
type BackupTrigger interface {
	Backup(ctx context.Context, system string, typ models.BackupType) models.BackupRecord
}

// StreamMount is the websocket surface, nil when the stream is disabled.
type StreamMount interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	SubscriberCount() int
}

// Server hosts the Gin-powered monitoring API.
type Server struct {
	cfg     appconfig.APIConfig
	name    string
	version string

	store   *store.Store
	stats   SyncStats
	backups BackupTrigger
	stream  StreamMount
	sampler *monitor.ResourceSampler

	httpServer *http.Server
	log        *logger.Log
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg appconfig.APIConfig, name, version string, st *store.Store, stats SyncStats, backups BackupTrigger, stream StreamMount, sampler *monitor.ResourceSampler) *Server {
	if !cfg.Enabled {
		return nil
	}
	return &Server{
		cfg:     cfg,
		name:    name,
		version: version,
		store:   st,
		stats:   stats,
		backups: backups,
		stream:  stream,
		sampler: sampler,
		log:     logger.GetLogger(),
	}
}

// Run blocks until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("starting monitoring api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/status", s.handleStatus)
	router.GET("/api/health", s.handleHealth)
	router.GET("/api/integrity", s.handleIntegrity)
	router.GET("/api/backups", s.handleBackups)
	router.POST("/api/backups/trigger", s.handleTriggerBackup)
	router.GET("/api/alerts", s.handleAlerts)
	router.POST("/api/alerts/:id/acknowledge", s.handleAcknowledge)
	router.POST("/api/alerts/:id/resolve", s.handleResolve)
	router.GET("/api/stats", s.handleStats)
	router.POST("/api/sync/trigger", s.handleTriggerSync)
	router.GET("/api/resources", s.handleResources)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	if s.stream != nil {
		router.GET("/ws", func(c *gin.Context) {
			s.stream.ServeWS(c.Writer, c.Request)
		})
	}
	return router, nil
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

func (s *Server) handleStatus(c *gin.Context) {
	subscribers := 0
	if s.stream != nil {
		subscribers = s.stream.SubscriberCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        s.name,
		"version":     s.version,
		"subscribers": subscribers,
		"timestamp":   time.Now().UTC(),
	})
}

// handleHealth reports the recorded probe history plus an overall verdict
// derived from the newest record per component.
func (s *Server) handleHealth(c *gin.Context) {
	records := s.store.Health(limitParam(c))

	latest := make(map[string]models.HealthRecord)
	for _, rec := range records {
		latest[rec.Component] = rec
	}
	overall := models.StatusHealthy
	for _, rec := range latest {
		switch rec.Status {
		case models.StatusCritical:
			overall = models.StatusCritical
		case models.StatusWarning:
			if overall == models.StatusHealthy {
				overall = models.StatusWarning
			}
		}
	}
	if len(latest) == 0 {
		overall = models.StatusUnknown
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  overall,
		"records": records,
	})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reports": s.store.Integrity(limitParam(c))})
}

func (s *Server) handleBackups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backups": s.store.Backups(limitParam(c))})
}

type triggerBackupRequest struct {
	System string `json:"system"`
	Type   string `json:"type"`
}

func (s *Server) handleTriggerBackup(c *gin.Context) {
	var req triggerBackupRequest
	_ = c.ShouldBindJSON(&req)

	typ := models.BackupFull
	if req.Type == string(models.BackupIncremental) {
		typ = models.BackupIncremental
	}

	systems := []string{"source", "sink"}
	if req.System != "" {
		if req.System != "source" && req.System != "sink" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "system must be source or sink"})
			return
		}
		systems = []string{req.System}
	}

	results := make([]models.BackupRecord, 0, len(systems))
	for _, system := range systems {
		results = append(results, s.backups.Backup(c.Request.Context(), system, typ))
	}
	c.JSON(http.StatusOK, gin.H{"backups": results})
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.store.Alerts(limitParam(c))})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	alert, err := s.store.AcknowledgeAlert(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleResolve(c *gin.Context) {
	alert, err := s.store.ResolveAlert(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": s.stats.Stats()})
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": s.stats.TriggerFull(c.Request.Context())})
}

func (s *Server) handleResources(c *gin.Context) {
	if s.sampler == nil {
		c.JSON(http.StatusOK, gin.H{"samples": []monitor.ResourceSnapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": s.sampler.Snapshot()})
}
