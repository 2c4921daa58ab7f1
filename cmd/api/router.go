package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mid-D-Man/AirCode-sub001/internal/attendance"
	"github.com/Mid-D-Man/AirCode-sub001/internal/auth"
	"github.com/Mid-D-Man/AirCode-sub001/internal/httpmiddleware"
	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/qrpayload"
	"github.com/Mid-D-Man/AirCode-sub001/internal/queue"
	"github.com/Mid-D-Man/AirCode-sub001/internal/reconcile"
	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
)

type server struct {
	svc      *attendance.Service
	store    *offline.Store
	rec      *reconcile.Reconciler
	queue    queue.Queue
	signer   auth.Signer
	limiter  httpmiddleware.Limiter
	health   func(ctx context.Context) map[string]bool
	logger   *slog.Logger
	embedded bool // run sync passes in-process instead of queueing triggers
}

type createSessionRequest struct {
	CourseCode         string `json:"course_code" binding:"required"`
	DurationMinutes    int    `json:"duration_minutes" binding:"required,gt=0,lte=1440"`
	DeviceBinding      bool   `json:"device_binding"`
	TemporalRotation   bool   `json:"temporal_rotation"`
	AdvancedEncryption bool   `json:"advanced_encryption"`
	OfflineSyncAllowed bool   `json:"offline_sync_allowed"`
}

func (r createSessionRequest) input() attendance.CreateSessionInput {
	var f session.Features
	if r.DeviceBinding {
		f |= session.DeviceBinding
	}
	if r.TemporalRotation {
		f |= session.TemporalRotation
	}
	if r.AdvancedEncryption {
		f |= session.AdvancedEncryption
	}
	return attendance.CreateSessionInput{
		CourseCode:         strings.ToUpper(strings.TrimSpace(r.CourseCode)),
		Duration:           time.Duration(r.DurationMinutes) * time.Minute,
		Features:           f,
		OfflineSyncAllowed: r.OfflineSyncAllowed,
	}
}

type syncRequest struct {
	Trigger string `json:"trigger" binding:"omitempty,oneof=manual reconnect"`
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.DeviceHeader},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.Bearer(s.signer))
	lecturer := auth.Require(auth.RoleLecturer)
	anyone := auth.Require(auth.RoleLecturer, auth.RoleStudent)

	v1.POST("/sessions", lecturer, s.createSession)
	v1.POST("/sessions/:id/start", lecturer, s.startSession)
	v1.POST("/sessions/:id/end", lecturer, s.endSession)
	v1.GET("/sessions/:id", anyone, s.getSession)
	v1.GET("/sessions/:id/qr", anyone, s.issueQR)
	v1.GET("/sessions/:id/records", lecturer, s.sessionRecords)

	v1.POST("/scans", auth.Require(auth.RoleStudent), httpmiddleware.RateLimit(s.limiter, s.logger), s.recordScan)

	v1.POST("/sync", anyone, s.triggerSync)
	v1.GET("/sync/pending", lecturer, s.pending)
	v1.POST("/sync/records/:id/retry", lecturer, s.retry)
	return r
}

func (s *server) healthz(c *gin.Context) {
	checks := s.health(c.Request.Context())
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	body := gin.H{"status": "ok", "sync_running": s.rec.Running()}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	for name, ok := range checks {
		body[name] = ok
	}
	c.JSON(status, body)
}

func (s *server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.svc.CreateSession(c.Request.Context(), req.input())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, public(sess))
}

func (s *server) startSession(c *gin.Context) {
	sess, err := s.svc.StartSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, public(sess))
}

func (s *server) endSession(c *gin.Context) {
	sess, err := s.svc.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, public(sess))
}

func (s *server) getSession(c *gin.Context) {
	sess, err := s.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, public(sess))
}

func (s *server) issueQR(c *gin.Context) {
	device := c.Query("device_guid")
	if device == "" {
		device = c.GetHeader(httpmiddleware.DeviceHeader)
	}
	text, err := s.svc.IssueQR(c.Request.Context(), c.Param("id"), device)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "payload": text})
}

func (s *server) sessionRecords(c *gin.Context) {
	recs, err := s.store.ListSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *server) recordScan(c *gin.Context) {
	var req attendance.ScanAttempt
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Subject != strings.TrimSpace(req.MatricNumber) {
		c.JSON(http.StatusForbidden, gin.H{"error": "matric number mismatch"})
		return
	}
	res, err := s.svc.RecordScan(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *server) triggerSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	trigger := reconcile.Trigger(req.Trigger)
	if trigger == "" {
		trigger = reconcile.TriggerManual
	}
	if !s.embedded {
		if err := s.queue.Publish(c.Request.Context(), queue.SyncTrigger(string(trigger))); err != nil {
			s.logger.Error("queue publish failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "trigger": trigger})
		return
	}
	res, err := s.rec.Run(c.Request.Context(), trigger)
	if errors.Is(err, reconcile.ErrPassInProgress) {
		c.JSON(http.StatusAccepted, gin.H{"queued": false, "in_progress": true})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) pending(c *gin.Context) {
	ctx := c.Request.Context()
	recs, err := s.store.ListPending(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "stats": stats})
}

func (s *server) retry(c *gin.Context) {
	if err := s.store.Retry(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// public hides the temporal key, which only travels inside QR payloads.
func public(sess *session.Session) *session.Session {
	sess.CurrentTemporalKey = nil
	return sess
}

func (s *server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, qrpayload.ErrSessionUnknown),
		errors.Is(err, offline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case qrpayload.IsValidationError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": qrpayload.Reason(err)})
	case errors.Is(err, attendance.ErrInvalidCourseCode),
		errors.Is(err, attendance.ErrDeviceRequired),
		errors.Is(err, attendance.ErrOfflineNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrTerminal),
		errors.Is(err, offline.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
