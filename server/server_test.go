package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/events"
	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/labels"
)

type fakePredictor struct {
	state      detector.State
	detections []detector.Detection
	err        error
	gotHeight  int
	gotWidth   int
}

func (f *fakePredictor) Predict(_ context.Context, img *tensor.Dense) ([]detector.Detection, error) {
	h, w, err := images.Dims(img)
	if err != nil {
		return nil, err
	}
	f.gotHeight, f.gotWidth = h, w
	return f.detections, f.err
}

func (f *fakePredictor) Busy() bool            { return f.state == detector.Running }
func (f *fakePredictor) State() detector.State { return f.state }
func (f *fakePredictor) Stats() detector.Stats { return detector.Stats{Inferences: 2, Average: 40} }
func (f *fakePredictor) Categories() []labels.Category {
	return []labels.Category{{ID: 1, Name: "person"}}
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, p Predictor, opts Options) http.Handler {
	t.Helper()
	return New(p, zaptest.NewLogger(t), opts).Handler()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPredict(t *testing.T) {
	p := &fakePredictor{detections: []detector.Detection{{
		Score:     0.9,
		Box:       detector.Box{48, 128, 240, 384},
		ImageSize: [2]int{480, 640},
		Class:     "person",
		ClassID:   1,
	}}}
	handler := newTestServer(t, p, Options{})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(pngBytes(t, 64, 48)))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`[{"score":0.9,"bb_o":[48,128,240,384],"img_size":[480,640],"class":"person","class_id":1}]`,
		rec.Body.String())
	assert.Equal(t, 48, p.gotHeight)
	assert.Equal(t, 64, p.gotWidth)

	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)
}

func TestPredictEmpty(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{detections: []detector.Detection{}}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(pngBytes(t, 8, 8)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPredictDownscales(t *testing.T) {
	p := &fakePredictor{detections: []detector.Detection{}}
	handler := newTestServer(t, p, Options{MaxInputSide: 32})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(pngBytes(t, 128, 64)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 32, p.gotWidth)
	assert.Equal(t, 16, p.gotHeight)
}

func TestPredictBodies(t *testing.T) {
	raw := pngBytes(t, 10, 6)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "frame.png")
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	jsonBody, err := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(raw)})
	require.NoError(t, err)

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{name: "multipart", body: form.Bytes(), contentType: mw.FormDataContentType()},
		{name: "json", body: jsonBody, contentType: "application/json"},
		{name: "raw", body: raw, contentType: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{detections: []detector.Detection{}}
			handler := newTestServer(t, p, Options{})

			req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, 6, p.gotHeight)
			assert.Equal(t, 10, p.gotWidth)
		})
	}
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name   string
		p      *fakePredictor
		body   []byte
		status int
		code   string
	}{
		{name: "busy", p: &fakePredictor{state: detector.Running}, status: http.StatusServiceUnavailable, code: "busy"},
		{name: "closed", p: &fakePredictor{state: detector.Closed}, status: http.StatusGone, code: "closed"},
		{name: "closed during predict", p: &fakePredictor{err: detector.ErrClosed}, status: http.StatusGone, code: "closed"},
		{name: "not an image", p: &fakePredictor{}, body: []byte("hello"), status: http.StatusBadRequest, code: "invalid_image"},
		{name: "empty body", p: &fakePredictor{}, body: []byte{}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "runtime failure", p: &fakePredictor{err: errors.Wrap(errors.New("oom"), "forward pass")}, status: http.StatusInternalServerError, code: "processing_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				body = pngBytes(t, 4, 4)
			}
			handler := newTestServer(t, tt.p, Options{})

			req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestStatus(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{state: detector.Running}, Options{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"busy":true,"state":"running","stats":{"inferences":2,"failures":0,"total_ns":0,"last_ns":0,"average_ns":40}}`,
		rec.Body.String())
}

func TestRequestIDPassthrough(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{}, Options{})
	id := uuid.New().String()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))
}

func TestHealthAndCategories(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{state: detector.Closed}, Options{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/categories", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":1,"name":"person"}]`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{}, Options{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type fakeHistory struct {
	mu       sync.Mutex
	recorded []events.Event
	query    events.Query
	err      error
}

func (f *fakeHistory) Record(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, e)
	return f.err
}

func (f *fakeHistory) Recent(_ context.Context, q events.Query) ([]events.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return f.recorded, nil
}

func TestPredictRecordsEvent(t *testing.T) {
	history := &fakeHistory{}
	p := &fakePredictor{detections: []detector.Detection{{Score: 0.7, Class: "dog", ClassID: 18}}}
	handler := newTestServer(t, p, Options{History: history})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(pngBytes(t, 20, 10)))
	req.Header.Set(SourceHeader, "porch")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, history.recorded, 1)
	e := history.recorded[0]
	assert.Equal(t, "porch", e.Source)
	assert.Equal(t, [2]int{10, 20}, e.ImageSize)
	assert.Equal(t, p.detections, e.Detections)

	// a failing history does not fail the request
	history.err = errors.New("disk full")
	req = httptest.NewRequest(http.MethodPost, "/predict?source=yard", bytes.NewReader(pngBytes(t, 20, 10)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yard", history.recorded[1].Source)
}

func TestPredictFailureRecordsNothing(t *testing.T) {
	history := &fakeHistory{}
	handler := newTestServer(t, &fakePredictor{err: errors.New("boom")}, Options{History: history})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(pngBytes(t, 4, 4))))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, history.recorded)
}

func TestRecentEvents(t *testing.T) {
	history := &fakeHistory{recorded: []events.Event{events.New("porch", [2]int{1, 1}, 0, nil)}}
	handler := newTestServer(t, &fakePredictor{}, Options{History: history})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/events/recent?source=porch&class=person&limit=5&since=2026-01-02T03:04:05Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, history.recorded[0].ID, got[0].ID)
	assert.Equal(t, events.Query{
		Source: "porch",
		Class:  "person",
		Limit:  5,
		Since:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, history.query)

	for _, bad := range []string{"/events/recent?limit=many", "/events/recent?limit=-1", "/events/recent?since=yesterday"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	history.err = errors.New("locked")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/recent", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventRoutesAreOptional(t *testing.T) {
	handler := newTestServer(t, &fakePredictor{}, Options{})

	for _, path := range []string{"/events", "/events/recent"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(zaptest.NewLogger(t))
	defer hub.Close()
	p := &fakePredictor{detections: []detector.Detection{{Score: 0.8, Class: "cat", ClassID: 17}}}
	srv := httptest.NewServer(newTestServer(t, p, Options{Hub: hub}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/predict", "image/png", bytes.NewReader(pngBytes(t, 8, 8)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "http", got.Source)
	require.Len(t, got.Detections, 1)
	assert.Equal(t, "cat", got.Detections[0].Class)
}
