// Package events carries ImageUploadedEvent values between the catalog
// service and its consumers.
package events

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/catalog-service/internal/domain/product"
)

// Topic is the default topic for image uploaded events.
const Topic = "product-image-updates"

// ErrMalformed is returned by Decode for payloads that are not a valid event.
var ErrMalformed = errors.New("malformed event payload")

// MalformedError carries the decoder failure. It matches ErrMalformed.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return ErrMalformed.Error() + ": " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// Encode serialises ev as {"productCode": ..., "imageName": ...}.
func Encode(ev product.ImageUploadedEvent) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("productCode")
	e.Str(ev.ProductCode)
	e.FieldStart("imageName")
	e.Str(ev.ImageName)
	e.ObjEnd()
	return e.Bytes()
}

// Decode parses a payload produced by Encode. Unknown fields are ignored.
func Decode(data []byte) (product.ImageUploadedEvent, error) {
	var ev product.ImageUploadedEvent
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "productCode":
			v, err := d.Str()
			if err != nil {
				return err
			}
			ev.ProductCode = v
		case "imageName":
			v, err := d.Str()
			if err != nil {
				return err
			}
			ev.ImageName = v
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return product.ImageUploadedEvent{}, &MalformedError{Err: err}
	}
	return ev, nil
}
