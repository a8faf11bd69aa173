// Package api serves the operator surface: status, detector control,
// confirmation reset and a websocket stream of state transitions.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fallwatch/internal/confirm"
	"github.com/banshee-data/fallwatch/internal/fall"
	"github.com/banshee-data/fallwatch/internal/feed"
	"github.com/banshee-data/fallwatch/internal/httputil"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/version"
)

const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Detector is the detector control surface.
type Detector interface {
	Enable()
	Disable()
	Enabled() bool
	Stats() fall.Stats
}

// Confirmer is the confirmation machine surface.
type Confirmer interface {
	Status() confirm.Status
	Reset()
	Subscribe(fn func(confirm.Transition)) (unsubscribe func())
}

// FeedStats reports bridge message counters.
type FeedStats interface {
	Stats() feed.Stats
}

// Status is the body of GET /api/status.
type Status struct {
	Version      string         `json:"version"`
	GitSHA       string         `json:"git_sha"`
	Uptime       string         `json:"uptime"`
	Detector     fall.Stats     `json:"detector"`
	Confirmation confirm.Status `json:"confirmation"`
	Feed         *feed.Stats    `json:"feed,omitempty"`
}

type Server struct {
	detector Detector
	machine  Confirmer
	feed     FeedStats
	hub      *Hub
	started  time.Time
}

// NewServer wires the handlers. feedStats may be nil.
func NewServer(d Detector, m Confirmer, feedStats FeedStats) *Server {
	s := &Server{
		detector: d,
		machine:  m,
		feed:     feedStats,
		hub:      NewHub(),
		started:  time.Now(),
	}
	m.Subscribe(func(t confirm.Transition) { s.hub.Broadcast(t) })
	return s
}

// Hub returns the transition stream hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/enable", s.enable)
	mux.HandleFunc("/api/disable", s.disable)
	mux.HandleFunc("/api/reset", s.reset)
	mux.HandleFunc("/api/events", s.hub.ServeHTTP)
	return mux
}

func (s *Server) status() Status {
	st := Status{
		Version:      version.Version,
		GitSHA:       version.GitSHA,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Detector:     s.detector.Stats(),
		Confirmation: s.machine.Status(),
	}
	if s.feed != nil {
		fs := s.feed.Stats()
		st.Feed = &fs
	}
	return st
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.status())
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.detector.Enable()
	httputil.WriteJSONOK(w, map[string]bool{"enabled": s.detector.Enabled()})
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.detector.Disable()
	httputil.WriteJSONOK(w, map[string]bool{"enabled": s.detector.Enabled()})
}

// reset clears a held confirmation so detection can start a new episode.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.machine.Reset()
	httputil.WriteJSONOK(w, s.machine.Status())
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// Hijack lets the websocket upgrade pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
