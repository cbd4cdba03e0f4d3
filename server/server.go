// Package server - HTTP surface over a single detector.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/events"
	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/labels"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"
	// SourceHeader names the camera or client an image came from.
	SourceHeader = "X-Source"

	defaultSource = "http"
)

// Predictor is the part of *detector.Detector the server needs.
type Predictor interface {
	Predict(ctx context.Context, img *tensor.Dense) ([]detector.Detection, error)
	Busy() bool
	State() detector.State
	Stats() detector.Stats
	Categories() []labels.Category
}

// Options tunes request handling.
type Options struct {
	// MaxInputSide downscales decoded images whose longer side exceeds it. 0 disables.
	MaxInputSide int
	// MaxBodyBytes caps the request body. 0 means 16 MiB.
	MaxBodyBytes int64
	// History records served predictions and serves GET /events/recent. Optional.
	History History
	// Hub streams served predictions on GET /events. Optional.
	Hub *events.Hub
}

// History is the part of *events.Store the server needs.
type History interface {
	Record(ctx context.Context, e events.Event) error
	Recent(ctx context.Context, q events.Query) ([]events.Event, error)
}

// Server routes HTTP requests to a Predictor.
type Server struct {
	predictor Predictor
	logger    *zap.Logger
	opts      Options
	router    *mux.Router
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Busy  bool           `json:"busy"`
	State detector.State `json:"state"`
	Stats detector.Stats `json:"stats"`
}

// New builds a Server. A nil logger disables logging.
func New(p Predictor, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 20
	}

	s := &Server{
		predictor: p,
		logger:    logger.Named("server"),
		opts:      opts,
		router:    mux.NewRouter(),
	}
	s.router.Use(s.requestID, s.logRequests)
	s.router.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Hub != nil {
		s.router.Handle("/events", opts.Hub).Methods(http.MethodGet)
	}
	if opts.History != nil {
		s.router.HandleFunc("/events/recent", s.handleRecent).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(zap.String("request_id", requestIDFrom(r.Context())))

	if s.predictor.State() == detector.Closed {
		sendError(w, http.StatusGone, "closed", "detector is closed")
		return
	}
	if s.predictor.Busy() {
		w.Header().Set("Retry-After", "1")
		sendError(w, http.StatusServiceUnavailable, "busy", "detector is busy")
		return
	}

	data, err := readImageBody(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes), r.Header.Get("Content-Type"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	decodeStart := time.Now()
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_image", "failed to decode image")
		return
	}
	img = images.Fit(img, s.opts.MaxInputSide)
	arr := images.FromImage(img)
	decodeTime := time.Since(decodeStart)

	predictStart := time.Now()
	detections, err := s.predictor.Predict(r.Context(), arr)
	if err != nil {
		status, code := classify(err)
		logger.Warn("prediction failed", zap.Error(err), zap.String("code", code))
		sendError(w, status, code, err.Error())
		return
	}

	logger.Debug("prediction served",
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.Int("detections", len(detections)),
		zap.Duration("decode", decodeTime),
	)
	sendJSON(w, http.StatusOK, detections)

	s.emit(r, events.New(
		sourceOf(r),
		[2]int{img.Bounds().Dy(), img.Bounds().Dx()},
		time.Since(predictStart),
		detections,
	))
}

// emit records and broadcasts a served prediction. Failures are logged, the
// response has already been written.
func (s *Server) emit(r *http.Request, e events.Event) {
	if s.opts.History != nil {
		if err := s.opts.History.Record(r.Context(), e); err != nil {
			s.logger.Warn("failed to record event",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Publish(e)
	}
}

func sourceOf(r *http.Request) string {
	if src := r.Header.Get(SourceHeader); src != "" {
		return src
	}
	if src := r.URL.Query().Get("source"); src != "" {
		return src
	}
	return defaultSource
}

// handleRecent serves GET /events/recent?source=&class=&since=<RFC3339>&limit=.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := events.Query{
		Source: params.Get("source"),
		Class:  params.Get("class"),
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	if v := params.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	recent, err := s.opts.History.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to query events", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "processing_error", "failed to query events")
		return
	}
	sendJSON(w, http.StatusOK, recent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, StatusResponse{
		Busy:  s.predictor.Busy(),
		State: s.predictor.State(),
		Stats: s.predictor.Stats(),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.predictor.Categories())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.predictor.State() == detector.Closed {
		sendError(w, http.StatusServiceUnavailable, "closed", "detector is closed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func classify(err error) (int, string) {
	switch cause := errors.Cause(err); {
	case cause == detector.ErrClosed:
		return http.StatusGone, "closed"
	case cause == images.ErrShape:
		return http.StatusBadRequest, "invalid_image"
	case cause == context.Canceled || cause == context.DeadlineExceeded:
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "processing_error"
}

// readImageBody accepts a raw image, a multipart form with a "file" field or a
// JSON object {"image": "<base64>"}.
func readImageBody(body io.Reader, contentType string) ([]byte, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "application/json":
		var req struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode json body")
		}
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, errors.Wrap(err, "decode base64 image")
		}
		return data, nil
	case "multipart/form-data":
		if params["boundary"] == "" {
			return nil, errors.New("multipart body without boundary")
		}
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil, errors.New("multipart body has no file field")
			}
			if err != nil {
				return nil, errors.Wrap(err, "read multipart body")
			}
			if part.FormName() == "file" {
				defer part.Close()
				return io.ReadAll(part)
			}
			part.Close()
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	return data, nil
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, ErrorResponse{Code: code, Message: message})
}
