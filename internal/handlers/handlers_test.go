package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/banknote-api/internal/model"
	"github.com/Brownie44l1/banknote-api/internal/nn"
	"github.com/Brownie44l1/banknote-api/internal/onnx"
)

const testSize = 24

var testLabels = []string{"100 Rupees", "200 Rupees", "500 Rupees"}

func newHandler(t *testing.T) *Handler {
	return newHandlerWithLabels(t, nil)
}

func newHandlerWithLabels(t *testing.T, labels []string) *Handler {
	m, err := nn.NewClassifier(testSize, []string{"100", "200", "500"}, 3)
	require.NoError(t, err)
	m.Labels = testLabels
	m.RunID = "handler-run"
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, onnx.ExportFile(m, path))

	log := logs.NewTestingLog(t)
	r, err := model.NewRunner(log, path, model.Options{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return NewHandler(log, r, labels)
}

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 50, 35))
	for y := 0; y < 35; y++ {
		for x := 0; x < 50; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 5), 90, uint8(y * 7), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, field, name string, content []byte) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h := newHandler(t)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "handler-run", resp["run_id"])
	assert.Equal(t, []interface{}{"100 Rupees", "200 Rupees", "500 Rupees"}, resp["labels"])
}

func TestHealthReportsConfiguredLabels(t *testing.T) {
	h := newHandlerWithLabels(t, []string{"Rs 100", "Rs 200", "Rs 500"})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Labels []string `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"Rs 100", "Rs 200", "Rs 500"}, resp.Labels)

	// predictions are named the same way
	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "note.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	var pred model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pred))
	assert.Contains(t, resp.Labels, pred.Label)
}

func TestDuplicateConfiguredLabels(t *testing.T) {
	h := newHandlerWithLabels(t, []string{"Rs 100", "Rs 100", "Rs 500"})
	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "note.png", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPredictFromImage(t *testing.T) {
	h := newHandler(t)
	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "note.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, testLabels[p.Index], p.Label)
	assert.Len(t, p.Probabilities, 3)
}

func TestPredictFromImageErrors(t *testing.T) {
	h := newHandler(t)

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "note.png", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "photo", "note.png", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, httptest.NewRequest(http.MethodGet, "/predict/image", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictRawTensor(t *testing.T) {
	h := newHandler(t)

	pixels := make([]float32, testSize*testSize*3)
	for i := range pixels {
		pixels[i] = float32(i%11) / 11
	}
	body, err := json.Marshal(model.PredictionRequest{Image: pixels})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Len(t, p.Predictions, 3)

	body, err = json.Marshal(model.PredictionRequest{Image: pixels[:10]})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Expected 1728 values, got 10")
}
