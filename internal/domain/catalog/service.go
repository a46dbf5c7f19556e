package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/product"
)

// FileStorage stores image objects and produces retrievable URLs.
type FileStorage interface {
	Store(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// InventoryClient reports product availability from the inventory service.
type InventoryClient interface {
	IsAvailable(ctx context.Context, code string) (bool, error)
}

// EventPublisher hands image-uploaded events to the event channel.
type EventPublisher interface {
	PublishImageUploaded(ctx context.Context, ev product.ImageUploadedEvent) error
}

// ImageFetcher downloads a remote image. Implementations must apply a
// timeout and fail on non-2xx responses.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// CreateProductRequest holds the input for creating a product.
type CreateProductRequest struct {
	Code        string
	Name        string
	Description string
	Price       decimal.Decimal
}

// Service owns the product lifecycle: creation, enriched reads and image
// association.
type Service struct {
	products  product.Repository
	files     FileStorage
	inventory InventoryClient
	events    EventPublisher
	fetcher   ImageFetcher

	presignTTL time.Duration
	tracer     trace.Tracer

	uploads         metric.Int64Counter
	publishFailures metric.Int64Counter
	degradedReads   metric.Int64Counter
}

// NewService creates a catalog Service with the required collaborators.
func NewService(
	products product.Repository,
	files FileStorage,
	inventory InventoryClient,
	events EventPublisher,
	fetcher ImageFetcher,
	opts ...Option,
) *Service {
	o := buildOptions(opts)
	meter := o.meterProvider.Meter(instrumentationName)
	return &Service{
		products:   products,
		files:      files,
		inventory:  inventory,
		events:     events,
		fetcher:    fetcher,
		presignTTL: o.presignTTL,
		tracer:     o.tracerProvider.Tracer(instrumentationName),

		uploads:         newCounter(meter, "catalog.image.uploads", "Product images stored and linked"),
		publishFailures: newCounter(meter, "catalog.image.publish_failures", "Image events that could not be published"),
		degradedReads:   newCounter(meter, "catalog.inventory.degraded_reads", "Reads served without inventory data"),
	}
}

// CreateProduct persists a new product without an image. Uniqueness of the
// code is enforced by the repository, so concurrent creations of the same
// code result in exactly one record and one DuplicateError.
func (s *Service) CreateProduct(ctx context.Context, req CreateProductRequest) (*product.Product, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.CreateProduct",
		trace.WithAttributes(attribute.String("product.code", req.Code)),
	)
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	p := &product.Product{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
	}
	if err := s.products.Insert(ctx, p); err != nil {
		if errors.Is(err, product.ErrDuplicate) {
			return nil, &DuplicateError{Code: req.Code}
		}
		recordError(span, err)
		return nil, errors.Wrap(err, "insert product")
	}

	zctx.From(ctx).Info("Product created", zap.String("code", p.Code))
	return p, nil
}

// Prices are stored as NUMERIC(12,2).
const priceScale = 2

var maxPrice = decimal.New(1, 10)

func validateCreate(req CreateProductRequest) error {
	switch {
	case req.Code == "":
		return errors.Wrap(ErrInvalidInput, "code is required")
	case req.Name == "":
		return errors.Wrap(ErrInvalidInput, "name is required")
	case req.Price.IsNegative():
		return errors.Wrap(ErrInvalidInput, "price must not be negative")
	case !req.Price.Equal(req.Price.Round(priceScale)):
		return errors.Wrap(ErrInvalidInput, "price must have at most 2 decimal places")
	case req.Price.GreaterThanOrEqual(maxPrice):
		return errors.Wrap(ErrInvalidInput, "price must be less than 10000000000")
	}
	return nil
}

// GetByCode returns the product enriched with availability and an image URL.
// An unknown code yields mo.None and no error. Inventory and presign failures
// degrade the view (Available=false, no ImageURL) instead of failing the read.
func (s *Service) GetByCode(ctx context.Context, code string) (mo.Option[product.View], error) {
	ctx, span := s.tracer.Start(ctx, "catalog.GetByCode",
		trace.WithAttributes(attribute.String("product.code", code)),
	)
	defer span.End()

	found, err := s.products.FindByCode(ctx, code)
	if err != nil {
		recordError(span, err)
		return mo.None[product.View](), errors.Wrap(err, "find product")
	}
	p, ok := found.Get()
	if !ok {
		return mo.None[product.View](), nil
	}

	view := product.View{Product: p}
	view.Available = s.isAvailable(ctx, code)
	if p.HasImage() {
		url, err := s.files.PresignedURL(ctx, *p.Image, s.presignTTL)
		if err != nil {
			zctx.From(ctx).Warn("presign image url failed",
				zap.String("code", code),
				zap.String("image", *p.Image),
				zap.Error(err),
			)
		} else {
			view.ImageURL = &url
		}
	}

	return mo.Some(view), nil
}

func (s *Service) isAvailable(ctx context.Context, code string) bool {
	available, err := s.inventory.IsAvailable(ctx, code)
	if err != nil {
		s.degradedReads.Add(ctx, 1)
		zctx.From(ctx).Warn("inventory lookup degraded, reporting unavailable",
			zap.String("code", code),
			zap.Error(err),
		)
		return false
	}
	return available
}

// ListAll returns every product without enrichment, in store order.
func (s *Service) ListAll(ctx context.Context) ([]product.Product, error) {
	products, err := s.products.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return products, nil
}

// SearchByName returns products whose name contains name, case-insensitively.
func (s *Service) SearchByName(ctx context.Context, name string) ([]product.Product, error) {
	products, err := s.products.SearchByName(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "search products")
	}
	return products, nil
}

// UploadImage stores a directly uploaded image. The extension of the stored
// key comes from the original filename. Returns the stored key.
func (s *Service) UploadImage(ctx context.Context, code, filename string, data []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.UploadImage",
		trace.WithAttributes(attribute.String("product.code", code)),
	)
	defer span.End()

	ext, err := extFromFilename(filename)
	if err != nil {
		return "", err
	}
	if err := s.ensureExists(ctx, code); err != nil {
		return "", err
	}

	key := ImageKey(code, ext)
	if err := s.attachImage(ctx, code, key, data, contentTypeFor(ext, "")); err != nil {
		recordError(span, err)
		return "", err
	}
	return key, nil
}

// UploadImageFromURL downloads an image from rawURL and stores it. The URL
// is validated before any network call; the extension comes from the URL
// path. Returns the stored key.
func (s *Service) UploadImageFromURL(ctx context.Context, code, rawURL string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.UploadImageFromURL",
		trace.WithAttributes(attribute.String("product.code", code)),
	)
	defer span.End()

	if err := ValidateImageURL(rawURL); err != nil {
		return "", err
	}
	ext, err := extFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := s.ensureExists(ctx, code); err != nil {
		return "", err
	}

	data, contentType, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		recordError(span, err)
		return "", &FetchError{URL: rawURL, Err: err}
	}

	key := ImageKey(code, ext)
	if err := s.attachImage(ctx, code, key, data, contentTypeFor(ext, contentType)); err != nil {
		recordError(span, err)
		return "", err
	}
	return key, nil
}

func (s *Service) ensureExists(ctx context.Context, code string) error {
	found, err := s.products.FindByCode(ctx, code)
	if err != nil {
		return errors.Wrap(err, "find product")
	}
	if found.IsAbsent() {
		return errors.Wrapf(product.ErrNotFound, "code %q", code)
	}
	return nil
}

// attachImage stores the object, links it to the record and publishes the
// event, in that order. The object write and the record update are not
// atomic: when the update fails the object stays unreferenced and a
// RecordUpdateError is returned.
func (s *Service) attachImage(ctx context.Context, code, key string, data []byte, contentType string) error {
	lg := zctx.From(ctx).With(zap.String("code", code), zap.String("image", key))

	if err := s.files.Store(ctx, key, data, contentType); err != nil {
		return &StorageError{Key: key, Err: err}
	}

	if err := s.products.UpdateImage(ctx, code, key); err != nil {
		lg.Error("image stored but product record not updated", zap.Error(err))
		return &RecordUpdateError{Code: code, Key: key, Err: err}
	}
	s.uploads.Add(ctx, 1)

	ev := product.ImageUploadedEvent{ProductCode: code, ImageName: key}
	if err := s.events.PublishImageUploaded(ctx, ev); err != nil {
		s.publishFailures.Add(ctx, 1)
		lg.Warn("publish image uploaded event failed", zap.Error(err))
		return nil
	}

	lg.Info("Product image uploaded", zap.Int("size", len(data)))
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
