package catalog

import (
	"context"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/product"
)

const reconcileBloomFPR = 0.001

// StoredObject describes an object in the image bucket.
type StoredObject struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ObjectLister enumerates stored image objects.
type ObjectLister interface {
	ListObjects(ctx context.Context) ([]StoredObject, error)
}

// ReconcileReport summarises a reconcile run.
type ReconcileReport struct {
	Scanned    int
	Referenced int
	Repaired   []string
	Orphaned   []string
	Superseded []string
}

// Reconciler links stored image objects that no product references back to
// their product. It closes the window left by an upload whose record update
// failed after the object was written.
type Reconciler struct {
	products product.Repository
	objects  ObjectLister
	dryRun   bool
}

// NewReconciler creates a Reconciler. With dryRun set it only reports.
func NewReconciler(products product.Repository, objects ObjectLister, dryRun bool) *Reconciler {
	return &Reconciler{
		products: products,
		objects:  objects,
		dryRun:   dryRun,
	}
}

// Run scans the bucket once.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	lg := zctx.From(ctx)

	records, err := r.products.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	objects, err := r.objects.ListObjects(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list objects")
	}

	byCode := make(map[string]product.Product, len(records))
	referenced := bloom.NewWithEstimates(uint(max(len(records), 1)), reconcileBloomFPR)
	for _, p := range records {
		byCode[p.Code] = p
		if p.HasImage() {
			referenced.AddString(*p.Image)
		}
	}

	// Keep the newest unreferenced object per product.
	report := &ReconcileReport{Scanned: len(objects)}
	latest := make(map[string]StoredObject)
	for _, obj := range objects {
		// False positives only skip a repair; they never cause a wrong one.
		if referenced.TestString(obj.Key) {
			report.Referenced++
			continue
		}
		code := CodeFromImageKey(obj.Key)
		if prev, ok := latest[code]; ok {
			if prev.LastModified.After(obj.LastModified) {
				report.Superseded = append(report.Superseded, obj.Key)
				continue
			}
			report.Superseded = append(report.Superseded, prev.Key)
		}
		latest[code] = obj
	}

	for code, obj := range latest {
		p, ok := byCode[code]
		switch {
		case !ok:
			report.Orphaned = append(report.Orphaned, obj.Key)
			continue
		case p.HasImage() && !obj.LastModified.After(p.LastModifiedDate):
			report.Superseded = append(report.Superseded, obj.Key)
			continue
		}

		if !r.dryRun {
			if err := r.products.UpdateImage(ctx, code, obj.Key); err != nil {
				return report, errors.Wrapf(err, "repair product %q", code)
			}
		}
		report.Repaired = append(report.Repaired, obj.Key)
		lg.Info("Linked unreferenced image",
			zap.String("code", code),
			zap.String("image", obj.Key),
			zap.Bool("dry_run", r.dryRun),
		)
	}

	return report, nil
}
