package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
)

const (
	msgInvalidImageURL = "Invalid imageUrl format"
	msgFetchFailed     = "Invalid imageUrl or unable to download image"
)

// UploadImage handles POST /api/products/{code}/image. The body is either a
// multipart form with a "file" part, or a form with an "imageUrl" field.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			writeUploadResult(w, http.StatusBadRequest, "message", "invalid multipart body")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeUploadResult(w, http.StatusBadRequest, "message", "invalid form body")
			return
		}
	}

	var (
		key string
		err error
	)
	file, header, ferr := r.FormFile("file")
	switch {
	case ferr == nil:
		defer func() { _ = file.Close() }()
		data, rerr := io.ReadAll(file)
		if rerr != nil {
			writeUploadResult(w, http.StatusBadRequest, "message", "unable to read file")
			return
		}
		key, err = h.svc.UploadImage(r.Context(), code, header.Filename, data)
	case r.FormValue("imageUrl") != "":
		key, err = h.svc.UploadImageFromURL(r.Context(), code, r.FormValue("imageUrl"))
	default:
		writeUploadResult(w, http.StatusBadRequest, "message", "file or imageUrl is required")
		return
	}
	if err != nil {
		status, msg := mapUploadError(err)
		lg := zctx.From(r.Context()).With(zap.String("code", code), zap.Error(err))
		if status >= http.StatusInternalServerError {
			lg.Error("image upload failed")
		} else {
			lg.Info("image upload rejected", zap.Int("status", status))
		}
		writeUploadResult(w, status, "message", msg)
		return
	}

	writeUploadResult(w, http.StatusOK, "filename", key)
}

func mapUploadError(err error) (int, string) {
	var urlErr *catalog.InvalidURLError
	switch {
	case errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, catalog.ErrUpstreamFetch):
		return http.StatusBadRequest, msgFetchFailed
	case errors.As(err, &urlErr):
		return http.StatusBadRequest, msgInvalidImageURL
	case errors.Is(err, catalog.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, catalog.ErrStorageFailure):
		return http.StatusInternalServerError, "unable to store image"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
