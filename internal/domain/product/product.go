package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/mo"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrDuplicate is returned by Repository.Insert when the code is taken.
	ErrDuplicate = errors.New("product already exists")
)

// Product is the persisted catalog record. Code is immutable after creation
// and Image is the only attribute that changes afterwards.
type Product struct {
	Code             string
	Name             string
	Description      string
	Price            decimal.Decimal
	Image            *string
	CreatedDate      time.Time
	LastModifiedDate time.Time
}

// HasImage reports whether an image key is associated with the product.
func (p Product) HasImage() bool {
	return p.Image != nil && *p.Image != ""
}

// View is the read model returned to clients: the stored record enriched with
// inventory availability and a presigned image URL. It is built per request.
type View struct {
	Product
	Available bool
	ImageURL  *string
}

// ImageUploadedEvent announces that an image object was stored for a product.
// Transports key it by ProductCode.
type ImageUploadedEvent struct {
	ProductCode string
	ImageName   string
}

// Key returns the ordering key of the event.
func (e ImageUploadedEvent) Key() string {
	return e.ProductCode
}

// Repository defines persistence operations for catalog records.
type Repository interface {
	// Insert stores a new record. Returns ErrDuplicate when the code exists;
	// the existing record is left untouched.
	Insert(ctx context.Context, p *Product) error
	FindByCode(ctx context.Context, code string) (mo.Option[Product], error)
	// UpdateImage sets the image key. It is a no-op for unknown codes.
	UpdateImage(ctx context.Context, code, image string) error
	List(ctx context.Context) ([]Product, error)
	SearchByName(ctx context.Context, name string) ([]Product, error)
}
