// Package server exposes a depot.Service over HTTP.
//
// A POST to "/" stores the request body as a new blob and responds with a JSON
// object holding its identifier, e.g., {"id":"c572bcd4-f68f-4940-a94c-c6b3587dfcf2"}.
// A GET to "/<id>" responds with the blob, its content type sniffed from the
// leading bytes. Malformed identifiers get 400, unknown ones 404, and storage
// faults 500. Error bodies never carry details about the storage backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nicolagi/depot/depot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Option func(*options)

type options struct {
	address           string
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	rateLimit         rate.Limit
	rateBurst         int
	registry          *prometheus.Registry
}

func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

// WithTimeouts sets the time allowed to read request headers and the time
// idle keep-alive connections are kept. Body transfers are not bounded, as
// blobs can be arbitrarily large; a disconnected client aborts them instead.
func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(o *options) {
		o.readHeaderTimeout = readHeader
		o.idleTimeout = idle
	}
}

// WithRateLimit limits the rate of requests served, across all clients. Zero
// rps disables limiting. A burst below one is raised to one, otherwise no
// request would ever be admitted.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(rps)
		o.rateBurst = max(burst, 1)
	}
}

// WithRegistry sets the registry metrics are registered with and served from.
func WithRegistry(value *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = value
	}
}

type Server struct {
	opts    options
	svc     *depot.Service
	metrics *metrics
	handler http.Handler
	ln      net.Listener
	srv     *http.Server
}

func New(svc *depot.Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	s.opts.address = ":8080"
	s.opts.readHeaderTimeout = 10 * time.Second
	s.opts.idleTimeout = 60 * time.Second
	for _, o := range opts {
		o(&s.opts)
	}
	if s.opts.registry == nil {
		s.opts.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.opts.registry)
	s.handler = s.routes()
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.readHeaderTimeout,
		IdleTimeout:       s.opts.idleTimeout,
	}
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.opts.rateLimit > 0 {
			r.Use(limit(rate.NewLimiter(s.opts.rateLimit, s.opts.rateBurst)))
		}
		r.Post("/", s.store)
		// There is no listing, so a GET without identifier names nothing.
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			status(w, http.StatusNotFound)
		})
		r.Get("/{id}", s.retrieve)
	})
	return r
}

type storeResponse struct {
	ID string `json:"id"`
}

func (s *Server) store(w http.ResponseWriter, r *http.Request) {
	s.metrics.inflight.WithLabelValues(opStore).Inc()
	defer s.metrics.inflight.WithLabelValues(opStore).Dec()
	body := &countingReader{r: r.Body}
	id, err := s.svc.Store(r.Context(), body)
	if err != nil {
		s.metrics.observe(opStore, outcomeFailure, body.n)
		status(w, http.StatusInternalServerError)
		return
	}
	s.metrics.observe(opStore, outcomeOK, body.n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(storeResponse{ID: id.String()}); err != nil {
		requestLogger(r).WithField("err", err).Warn("Failed writing response")
	}
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	blob, err := s.svc.Retrieve(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, depot.ErrInvalidIdentifier):
		s.metrics.observe(opRetrieve, outcomeInvalid, 0)
		status(w, http.StatusBadRequest)
		return
	case errors.Is(err, depot.ErrNotFound):
		s.metrics.observe(opRetrieve, outcomeNotFound, 0)
		status(w, http.StatusNotFound)
		return
	case err != nil:
		s.metrics.observe(opRetrieve, outcomeFailure, 0)
		status(w, http.StatusInternalServerError)
		return
	}
	s.metrics.inflight.WithLabelValues(opRetrieve).Inc()
	defer s.metrics.inflight.WithLabelValues(opRetrieve).Dec()
	logger := requestLogger(r)
	defer func() {
		if err := blob.Close(); err != nil {
			logger.WithField("err", err).Warn("Could not close blob")
		}
	}()
	w.Header().Set("Content-Type", blob.ContentType)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, blob)
	s.metrics.observe(opRetrieve, outcomeOK, n)
	if err != nil {
		// Headers are gone already; all we can do is cut the response short.
		logger.WithFields(log.Fields{
			"err":     err,
			"written": n,
		}).Warn("Failed streaming blob")
	}
}

func status(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}

func requestLogger(r *http.Request) *log.Entry {
	return log.WithFields(log.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		requestLogger(r).WithFields(log.Fields{
			"status":   m.Code,
			"written":  m.Written,
			"duration": fmt.Sprintf("%dms", m.Duration.Milliseconds()),
			"remote":   r.RemoteAddr,
		}).Info("Request")
	})
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(1))
				status(w, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) Listen() (addr string, err error) {
	s.ln, err = net.Listen("tcp", s.opts.address)
	if err != nil {
		return
	}
	addr = s.ln.Addr().String()
	return
}

// Serve serves requests on the listener opened by Listen. It returns nil once
// Shutdown has been called.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server is not listening")
	}
	log.WithField("addr", s.ln.Addr().String()).Info("Serving")
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx is done, after which remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.WithField("err", err).Warn("Could not shut down gracefully, closing")
		return s.srv.Close()
	}
	return nil
}
