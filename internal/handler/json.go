package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/catalog-service/internal/domain/product"
)

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes {"code": status, "message": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}

// writeUploadResult writes the image upload response shape
// {"status": ..., "filename"|"message": ...}.
func writeUploadResult(w http.ResponseWriter, status int, field, value string) {
	result := "success"
	if status >= 400 {
		result = "error"
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("status")
		e.Str(result)
		e.FieldStart(field)
		e.Str(value)
		e.ObjEnd()
	})
}

func encodeProductFields(e *jx.Encoder, p product.Product) {
	e.FieldStart("code")
	e.Str(p.Code)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("description")
	e.Str(p.Description)
	e.FieldStart("price")
	e.Num(jx.Num(p.Price.StringFixed(2)))
	e.FieldStart("image")
	encodeOptStr(e, p.Image)
	if !p.CreatedDate.IsZero() {
		e.FieldStart("createdDate")
		e.Str(p.CreatedDate.UTC().Format(time.RFC3339))
	}
	if !p.LastModifiedDate.IsZero() {
		e.FieldStart("lastModifiedDate")
		e.Str(p.LastModifiedDate.UTC().Format(time.RFC3339))
	}
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	encodeProductFields(e, p)
	e.ObjEnd()
}

func encodeView(e *jx.Encoder, v product.View) {
	e.ObjStart()
	encodeProductFields(e, v.Product)
	e.FieldStart("imageUrl")
	encodeOptStr(e, v.ImageURL)
	e.FieldStart("available")
	e.Bool(v.Available)
	e.ObjEnd()
}

func encodeOptStr(e *jx.Encoder, s *string) {
	if s == nil {
		e.Null()
		return
	}
	e.Str(*s)
}
