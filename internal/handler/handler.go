package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/mo"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
)

const defaultMaxUploadBytes = 10 << 20

// Service is the catalog behaviour exposed over HTTP.
type Service interface {
	CreateProduct(ctx context.Context, req catalog.CreateProductRequest) (*product.Product, error)
	GetByCode(ctx context.Context, code string) (mo.Option[product.View], error)
	ListAll(ctx context.Context) ([]product.Product, error)
	SearchByName(ctx context.Context, name string) ([]product.Product, error)
	UploadImage(ctx context.Context, code, filename string, data []byte) (string, error)
	UploadImageFromURL(ctx context.Context, code, rawURL string) (string, error)
}

var _ Service = (*catalog.Service)(nil)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// MaxUploadBytes caps the multipart request body of image uploads.
	MaxUploadBytes int64
	// UploadMiddleware wraps the image upload route only, e.g. a rate limiter.
	UploadMiddleware []mux.MiddlewareFunc
}

// Handler serves the catalog REST API.
type Handler struct {
	svc            Service
	maxUploadBytes int64
	uploadMW       []mux.MiddlewareFunc
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig, svc Service) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		svc:            svc,
		maxUploadBytes: cfg.MaxUploadBytes,
		uploadMW:       cfg.UploadMiddleware,
	}
}

// Register mounts the API routes under /api on r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/products", h.CreateProduct).Methods(http.MethodPost)
	api.HandleFunc("/products", h.ListProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{code}", h.GetProduct).Methods(http.MethodGet)

	upload := api.Path("/products/{code}/image").Subrouter()
	upload.Use(h.uploadMW...)
	upload.Methods(http.MethodPost).HandlerFunc(h.UploadImage)
}

// Router returns a router with the API routes registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.Register(r)
	return r
}
