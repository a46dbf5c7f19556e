// Package notifier turns S3 object-created notifications into image events,
// so images written to the bucket outside the HTTP API still reach the
// catalog. Objects stored by the API are skipped: their events are already
// published in upload order, and a late duplicate could revert a newer image.
package notifier

import (
	"context"
	"net/url"
	"path"
	"strings"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
	s3storage "github.com/xenking/catalog-service/internal/storage/s3"
)

// ObjectInspector reads the user metadata of a stored object.
type ObjectInspector interface {
	Metadata(ctx context.Context, key string) (map[string]string, error)
}

// Result counts what a single notification batch produced.
type Result struct {
	Published int
	Skipped   int
}

// Handler handles S3 notification batches.
type Handler struct {
	bucket    string
	objects   ObjectInspector
	publisher catalog.EventPublisher
}

// New creates a Handler. Records from buckets other than bucket are skipped;
// an empty bucket accepts all.
func New(bucket string, objects ObjectInspector, publisher catalog.EventPublisher) *Handler {
	return &Handler{bucket: bucket, objects: objects, publisher: publisher}
}

// Handle publishes one ImageUploadedEvent per object created out of band.
// A metadata or publish error fails the batch so Lambda retries it; the
// consumer tolerates the resulting duplicates.
func (h *Handler) Handle(ctx context.Context, ev awsevents.S3Event) (Result, error) {
	lg := zctx.From(ctx)

	var res Result
	for _, rec := range ev.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			lg.Warn("skipping object with undecodable key",
				zap.String("key", rec.S3.Object.Key), zap.Error(err))
			res.Skipped++
			continue
		}
		if reason := h.skipReason(rec, key); reason != "" {
			lg.Debug("skipping notification record",
				zap.String("bucket", rec.S3.Bucket.Name),
				zap.String("key", key),
				zap.String("reason", reason),
			)
			res.Skipped++
			continue
		}
		fromAPI, err := h.storedByAPI(ctx, key)
		switch {
		case errors.Is(err, s3storage.ErrObjectNotFound):
			lg.Debug("skipping deleted object", zap.String("key", key))
			res.Skipped++
			continue
		case err != nil:
			return res, errors.Wrapf(err, "inspect %q", key)
		case fromAPI:
			lg.Debug("skipping object stored by the API", zap.String("key", key))
			res.Skipped++
			continue
		}

		event := product.ImageUploadedEvent{
			ProductCode: catalog.CodeFromImageKey(key),
			ImageName:   key,
		}
		if err := h.publisher.PublishImageUploaded(ctx, event); err != nil {
			return res, errors.Wrapf(err, "publish %q", key)
		}
		lg.Info("Published image event",
			zap.String("product_code", event.ProductCode),
			zap.String("image", key),
		)
		res.Published++
	}
	return res, nil
}

func (h *Handler) storedByAPI(ctx context.Context, key string) (bool, error) {
	meta, err := h.objects.Metadata(ctx, key)
	if err != nil {
		return false, err
	}
	return meta[s3storage.MetadataSource] == s3storage.SourceAPI, nil
}

func (h *Handler) skipReason(rec awsevents.S3EventRecord, key string) string {
	switch {
	case !strings.HasPrefix(rec.EventName, "ObjectCreated:"):
		return "not an object creation"
	case h.bucket != "" && rec.S3.Bucket.Name != h.bucket:
		return "foreign bucket"
	case strings.Contains(key, "/"):
		return "nested key"
	case path.Ext(key) == "" || catalog.CodeFromImageKey(key) == "":
		return "not an image key"
	}
	return ""
}
