package handler

import (
	"io"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
)

const maxCreateBodyBytes = 64 << 10

// CreateProduct handles POST /api/products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	req, err := decodeCreateRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.svc.CreateProduct(r.Context(), req)
	if err != nil {
		status, msg := mapCreateError(err)
		if status >= http.StatusInternalServerError {
			zctx.From(r.Context()).Error("create product failed", zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Location", "/api/products/"+url.PathEscape(p.Code))
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeProduct(e, *p) })
}

// GetProduct handles GET /api/products/{code}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	found, err := h.svc.GetByCode(r.Context(), code)
	if err != nil {
		zctx.From(r.Context()).Error("get product failed", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	view, ok := found.Get()
	if !ok {
		writeError(w, http.StatusNotFound, "product "+code+" not found")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeView(e, view) })
}

// ListProducts handles GET /api/products with an optional name filter.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	var (
		products []product.Product
		err      error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		products, err = h.svc.SearchByName(r.Context(), name)
	} else {
		products, err = h.svc.ListAll(r.Context())
	}
	if err != nil {
		zctx.From(r.Context()).Error("list products failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, p := range products {
			encodeProduct(e, p)
		}
		e.ArrEnd()
	})
}

func decodeCreateRequest(body []byte) (catalog.CreateProductRequest, error) {
	var req catalog.CreateProductRequest
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			req.Code, err = d.Str()
		case "name":
			req.Name, err = d.Str()
		case "description":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.Description, err = d.Str()
		case "price":
			req.Price, err = decodePrice(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	if err != nil {
		return catalog.CreateProductRequest{}, errors.Wrap(err, "invalid request body")
	}
	return req, nil
}

// decodePrice accepts a JSON number or a numeric string.
func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	}
	return decimal.NewFromString(raw)
}

func mapCreateError(err error) (int, string) {
	var dupErr *catalog.DuplicateError
	switch {
	case errors.As(err, &dupErr):
		return http.StatusConflict, dupErr.Error()
	case errors.Is(err, catalog.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
