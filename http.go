package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"DeviceBridge/internal/pairing"
	"DeviceBridge/internal/session"
	"DeviceBridge/internal/speaker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	eventsPingInterval = 30 * time.Second
	eventsWriteTimeout = 10 * time.Second
)

type pairRequest struct {
	PairCode   string  `json:"pairCode"`
	DeviceName *string `json:"deviceName"`
	DeviceID   *string `json:"deviceId"`
}

type presenceRequest struct {
	DeviceName *string `json:"deviceName"`
	DeviceID   *string `json:"deviceId"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type togglesRequest struct {
	Camera                *bool   `json:"camera"`
	Microphone            *bool   `json:"microphone"`
	Speaker               *bool   `json:"speaker"`
	CameraLens            *string `json:"cameraLens"`
	CameraOrientationMode *string `json:"cameraOrientationMode"`
	CameraStreamURL       *string `json:"cameraStreamUrl"`
	DeviceName            *string `json:"deviceName"`
	DeviceID              *string `json:"deviceId"`
}

func (t togglesRequest) diff() session.ResourceDiff {
	return session.ResourceDiff{
		Camera:                t.Camera,
		Microphone:            t.Microphone,
		Speaker:               t.Speaker,
		CameraLens:            t.CameraLens,
		CameraOrientationMode: t.CameraOrientationMode,
		CameraStreamURL:       t.CameraStreamURL,
		Metadata:              session.PhoneMetadata{DeviceName: t.DeviceName, DeviceID: t.DeviceID},
	}
}

// Server exposes the session controller and pairing service over HTTP.
type Server struct {
	controller *session.Controller
	pairing    *pairing.Service
	log        logrus.FieldLogger
	upgrader   websocket.Upgrader
}

func NewServer(controller *session.Controller, pairingService *pairing.Service, log logrus.FieldLogger) *Server {
	return &Server{
		controller: controller,
		pairing:    pairingService,
		log:        log.WithField("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is LAN-only and already sends permissive CORS headers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.log), CORSMiddleware())

	router.GET("/health", s.Health)

	api := router.Group("/api")
	api.GET("/bootstrap", s.Bootstrap)
	api.POST("/bootstrap/qr-token", s.IssueQRToken)
	api.POST("/bootstrap/qr-redeem", s.RedeemQRToken)
	api.GET("/status", s.Status)
	api.POST("/pair", s.Pair)
	api.POST("/unpair", s.Unpair)
	api.POST("/presence", s.Presence)
	api.POST("/toggles", s.Toggles)
	api.GET("/speaker/stream", s.SpeakerStream)
	api.GET("/events", s.Events)

	return router
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": pairing.ServiceTag})
}

func (s *Server) Bootstrap(c *gin.Context) {
	c.JSON(http.StatusOK, s.pairing.Bootstrap())
}

func (s *Server) IssueQRToken(c *gin.Context) {
	ticket, err := s.pairing.IssueToken()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) RedeemQRToken(c *gin.Context) {
	var req redeemRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := s.pairing.RedeemToken(req.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) Status(c *gin.Context) {
	MakeResponse(c, s.controller.Status())
}

func (s *Server) Pair(c *gin.Context) {
	var req pairRequest
	if !s.bind(c, &req) {
		return
	}
	st, err := s.controller.Pair(req.PairCode, session.PhoneMetadata{DeviceName: req.DeviceName, DeviceID: req.DeviceID})
	if err != nil {
		s.fail(c, err)
		return
	}
	MakeResponse(c, st)
}

func (s *Server) Unpair(c *gin.Context) {
	st, err := s.controller.Unpair(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	MakeResponse(c, st)
}

func (s *Server) Presence(c *gin.Context) {
	var req presenceRequest
	if !s.bind(c, &req) {
		return
	}
	MakeResponse(c, s.controller.NotePresence(session.PhoneMetadata{DeviceName: req.DeviceName, DeviceID: req.DeviceID}))
}

func (s *Server) Toggles(c *gin.Context) {
	var req togglesRequest
	if !s.bind(c, &req) {
		return
	}
	st, err := s.controller.Apply(c.Request.Context(), req.diff())
	if err != nil {
		s.fail(c, err)
		return
	}
	MakeResponse(c, st)
}

func (s *Server) SpeakerStream(c *gin.Context) {
	sink := &responseSink{c: c}
	err := s.controller.AttachStream(c.Request.Context(), session.Speaker, sink)
	switch {
	case err == nil:
	case !sink.started:
		s.fail(c, err)
	default:
		s.log.WithError(err).Debug("speaker stream ended")
	}
}

// Events pushes a status snapshot on connect and after every change.
func (s *Server) Events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade events connection")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.controller.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(st session.Status) error {
		conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
		return conn.WriteJSON(gin.H{"status": st})
	}
	if err := write(s.controller.Status()); err != nil {
		return
	}

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := write(st); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// bind decodes an optional JSON body. An empty body leaves dst untouched.
func (s *Server) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		MakeErrorResponse(c, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	entry := s.log.WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"status": code,
		"error":  err,
	})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	MakeErrorResponse(c, code, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, pairing.ErrTokenRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidPairCode):
		return http.StatusForbidden
	case errors.Is(err, pairing.ErrTokenInvalidOrExpired):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, session.ErrNotPaired),
		errors.Is(err, session.ErrResourceInactive),
		errors.Is(err, session.ErrStreamUnsupported),
		errors.Is(err, session.ErrControllerClosed),
		errors.Is(err, pairing.ErrTokenAlreadyUsed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// MakeResponse writes the {status} envelope every session route returns.
func MakeResponse(c *gin.Context, st session.Status) {
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func MakeErrorResponse(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// responseSink streams PCM into the HTTP response, flushing every write.
type responseSink struct {
	c       *gin.Context
	started bool
}

func (r *responseSink) Begin(f speaker.Format) error {
	h := r.c.Writer.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Audio-Encoding", f.Encoding)
	h.Set("X-Audio-Sample-Rate", strconv.Itoa(f.SampleRate))
	h.Set("X-Audio-Channels", strconv.Itoa(f.Channels))
	r.c.Status(http.StatusOK)
	r.c.Writer.WriteHeaderNow()
	r.c.Writer.Flush()
	r.started = true
	return nil
}

func (r *responseSink) Write(p []byte) (int, error) {
	n, err := r.c.Writer.Write(p)
	if err != nil {
		return n, err
	}
	r.c.Writer.Flush()
	return n, nil
}

// RequestLogger logs one entry per request.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("request")
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, X-Audio-Encoding, X-Audio-Sample-Rate, X-Audio-Channels")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
