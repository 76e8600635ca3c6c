package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cyclopcam/logs"

	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/imageutil"
	"github.com/Brownie44l1/banknote-api/internal/model"
)

// maxUploadSize bounds the multipart form of /predict/image.
const maxUploadSize = 10 << 20

type Handler struct {
	log    logs.Log
	runner *model.Runner
	labels []string
}

// NewHandler serves predictions from runner. labels may be empty, in which case
// the names stored with the model are used.
func NewHandler(log logs.Log, runner *model.Runner, labels []string) *Handler {
	return &Handler{
		log:    log,
		runner: runner,
		labels: labels,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Health reports the labels predictions are made with: the configured ones
// when set, else the ones stored with the model.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	labels := h.labels
	if len(labels) == 0 {
		labels = h.runner.LabelNames()
	}
	writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"run_id": h.runner.Metadata.RunID,
		"labels": labels,
	})
}

// Predict classifies a normalized HWC tensor posted as {"image": [...]}.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	expectedSize := h.runner.Metadata.InputSize()
	if len(req.Image) != expectedSize {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	result, err := h.runner.PredictTensor(req.Image, h.labels)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, result)
}

// PredictFromImage classifies an image uploaded as the multipart field "image".
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	h.log.Infof("Received file: %v, size: %v bytes", header.Filename, header.Size)

	b, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	img, err := imageutil.Decode(header.Filename, b)
	if err != nil {
		h.fail(w, err)
		return
	}

	result, err := h.runner.PredictImage(img, h.labels)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Infof("Predicted %v (%.3f) for %v", result.Label, result.Confidence, header.Filename)
	writeJSON(w, result)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var de *errs.DecodeError
	var sme *errs.ShapeMismatchError
	var dle *errs.DuplicateLabelError
	switch {
	case errors.As(err, &de):
		http.Error(w, "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", http.StatusBadRequest)
	case errors.As(err, &sme):
		http.Error(w, sme.Error(), http.StatusBadRequest)
	case errors.As(err, &dle):
		h.log.Errorf("Configured labels are not usable: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
	default:
		h.log.Errorf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
	}
}
