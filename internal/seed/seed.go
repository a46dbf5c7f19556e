// Package seed loads products from JSON files into the catalog.
package seed

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
)

// Creator creates products.
type Creator interface {
	CreateProduct(ctx context.Context, req catalog.CreateProductRequest) (*product.Product, error)
}

// Report summarises a Load.
type Report struct {
	Created int
	Skipped int
}

type gzipFile struct {
	*pgzip.Reader
	f *os.File
}

func (g gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

// Open opens a seed file, decompressing it when the name ends in .gz.
func Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	if !strings.HasSuffix(name, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "gzip")
	}
	return gzipFile{Reader: zr, f: f}, nil
}

// Decode reads a JSON array of {code, name, description, price} objects.
// Price may be a number or a numeric string.
func Decode(r io.Reader) ([]catalog.CreateProductRequest, error) {
	var reqs []catalog.CreateProductRequest
	d := jx.Decode(r, 32*1024)
	err := d.Arr(func(d *jx.Decoder) error {
		req, err := decodeProduct(d)
		if err != nil {
			return errors.Wrapf(err, "product #%d", len(reqs))
		}
		reqs = append(reqs, req)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return reqs, nil
}

func decodeProduct(d *jx.Decoder) (catalog.CreateProductRequest, error) {
	var req catalog.CreateProductRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "name":
			req.Name, err = d.Str()
		case "description":
			req.Description, err = d.Str()
		case "price":
			var raw string
			if d.Next() == jx.String {
				raw, err = d.Str()
			} else {
				var n jx.Num
				n, err = d.Num()
				raw = n.String()
			}
			if err == nil {
				req.Price, err = decimal.NewFromString(raw)
			}
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return req, err
}

// Load creates every product, skipping codes that already exist. Any other
// error stops the load.
func Load(ctx context.Context, c Creator, reqs []catalog.CreateProductRequest) (Report, error) {
	lg := zctx.From(ctx)

	var rep Report
	for _, req := range reqs {
		if _, err := c.CreateProduct(ctx, req); err != nil {
			if errors.Is(err, product.ErrDuplicate) {
				lg.Debug("product exists", zap.String("code", req.Code))
				rep.Skipped++
				continue
			}
			return rep, errors.Wrapf(err, "create %q", req.Code)
		}
		rep.Created++
	}
	return rep, nil
}
