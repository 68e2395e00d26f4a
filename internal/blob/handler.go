package blob

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"cogtest/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxUploadBytes = 25 << 20

type Handler struct {
	store Store
	log   *zap.Logger
}

func NewHandler(store Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: store, log: log}
}

// Upload accepts a multipart form with a single "file" field holding an
// image or audio clip.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		apiresp.WriteError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	mimeType, _, full, err := Sniff(file)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "cannot read file")
		return
	}
	if !IsMedia(mimeType) {
		apiresp.WriteError(w, r, http.StatusUnsupportedMediaType, "only image and audio files are accepted")
		return
	}

	obj, err := h.store.Put(r.Context(), header.Filename, full)
	if err != nil {
		h.log.Error("store blob", zap.Error(err), zap.String("name", header.Filename))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, obj)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	ref := Ref(chi.URLParam(r, "ref"))
	rc, obj, err := h.store.Open(r.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRef):
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid blob ref")
		case errors.Is(err, ErrNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, "blob not found")
		default:
			h.log.Error("open blob", zap.Error(err), zap.String("ref", ref.String()))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", obj.MimeType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
