package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/catalog-service/internal/domain/product"
)

func TestCreateProduct_ThenGetByCode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, CreateProductRequest{
		Code:        "P2011",
		Name:        "Product P2011",
		Description: "Product P2011 description",
		Price:       decimal.RequireFromString("141.0"),
	})
	require.NoError(t, err)

	got, err := f.svc.GetByCode(ctx, "P2011")
	require.NoError(t, err)
	view, ok := got.Get()
	require.True(t, ok)

	assert.Equal(t, "P2011", view.Code)
	assert.Equal(t, "Product P2011", view.Name)
	assert.Equal(t, "Product P2011 description", view.Description)
	assert.True(t, decimal.RequireFromString("141").Equal(view.Price))
	assert.Nil(t, view.Image)
	assert.Nil(t, view.ImageURL)
	assert.True(t, view.Available)
	assert.Zero(t, f.files.presigns, "no presign without an image")
}

func TestCreateProduct_Duplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, CreateProductRequest{Code: "C1", Name: "First", Price: decimal.NewFromInt(10)})
	require.NoError(t, err)

	_, err = f.svc.CreateProduct(ctx, CreateProductRequest{Code: "C1", Name: "Second", Price: decimal.NewFromInt(20)})
	require.ErrorIs(t, err, product.ErrDuplicate)

	var dupErr *DuplicateError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "C1", dupErr.Code)

	all, err := f.svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "First", all[0].Name)
}

func TestCreateProduct_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  CreateProductRequest
	}{
		{"empty code", CreateProductRequest{Name: "n", Price: decimal.NewFromInt(1)}},
		{"empty name", CreateProductRequest{Code: "c", Price: decimal.NewFromInt(1)}},
		{"negative price", CreateProductRequest{Code: "c", Name: "n", Price: decimal.NewFromInt(-1)}},
		{"sub-cent price", CreateProductRequest{Code: "c", Name: "n", Price: decimal.RequireFromString("1.234")}},
		{"price out of range", CreateProductRequest{Code: "c", Name: "n", Price: decimal.RequireFromString("12345678901.5")}},
		{"price at upper bound", CreateProductRequest{Code: "c", Name: "n", Price: decimal.RequireFromString("10000000000")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateProduct(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidInput)

			all, err := f.svc.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestCreateProduct_PriceBounds(t *testing.T) {
	for _, price := range []string{"0", "1.230", "9999999999.99"} {
		t.Run(price, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()

			_, err := f.svc.CreateProduct(ctx, CreateProductRequest{Code: "c", Name: "n", Price: decimal.RequireFromString(price)})
			require.NoError(t, err)

			got, err := f.svc.products.FindByCode(ctx, "c")
			require.NoError(t, err)
			p, ok := got.Get()
			require.True(t, ok)
			assert.True(t, decimal.RequireFromString(price).Equal(p.Price))
		})
	}
}

func TestCreateProduct_RepositoryError(t *testing.T) {
	f := newFixture()
	f.svc.products = &failingInsertRepo{mockProductRepo: f.repo}

	_, err := f.svc.CreateProduct(context.Background(), CreateProductRequest{Code: "C1", Name: "n"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, product.ErrDuplicate)
	assert.Contains(t, err.Error(), "insert product")
}

type failingInsertRepo struct {
	*mockProductRepo
}

func (r *failingInsertRepo) Insert(context.Context, *product.Product) error { return errDB }

func TestGetByCode(t *testing.T) {
	t.Run("unknown code is absent", func(t *testing.T) {
		f := newFixture()
		got, err := f.svc.GetByCode(context.Background(), "MISSING")
		require.NoError(t, err)
		assert.True(t, got.IsAbsent())
	})

	t.Run("inventory failure degrades to unavailable", func(t *testing.T) {
		f := newFixture(newTestProduct("P101"))
		f.inventory.err = errors.New("connection refused")

		got, err := f.svc.GetByCode(context.Background(), "P101")
		require.NoError(t, err)
		view, ok := got.Get()
		require.True(t, ok)
		assert.False(t, view.Available)
	})

	t.Run("presign failure yields absent url", func(t *testing.T) {
		p := newTestProduct("P102")
		img := "P102.png"
		p.Image = &img
		f := newFixture(p)
		f.files.presignErr = errors.New("signer broken")

		got, err := f.svc.GetByCode(context.Background(), "P102")
		require.NoError(t, err)
		view := got.MustGet()
		assert.Nil(t, view.ImageURL)
		assert.Equal(t, "P102.png", *view.Image)
	})

	t.Run("store error fails the read", func(t *testing.T) {
		f := newFixture()
		f.repo.findErr = errDB

		_, err := f.svc.GetByCode(context.Background(), "P1")
		require.ErrorIs(t, err, errDB)
	})
}

func TestUploadImageFromURL_RejectsNonHTTPScheme(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/a.png", "file:///etc/passwd", "example.com/a.png", "", "http://"} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(newTestProduct("P1"))

			_, err := f.svc.UploadImageFromURL(context.Background(), "P1", raw)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, f.fetcher.calls, "no network call for invalid url")
			assert.Empty(t, f.files.objects)
			assert.Empty(t, f.events.published())
		})
	}
}

func TestUploadImageFromURL_MissingExtension(t *testing.T) {
	f := newFixture(newTestProduct("P1"))

	_, err := f.svc.UploadImageFromURL(context.Background(), "P1", "https://example.com/images/latest?format=png")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, f.fetcher.calls)
}

func TestUploadImageFromURL_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, CreateProductRequest{Code: "P1", Name: "Product P1", Price: decimal.NewFromInt(5)})
	require.NoError(t, err)

	key, err := f.svc.UploadImageFromURL(ctx, "P1", "https://example.com/a.png")
	require.NoError(t, err)

	assert.Equal(t, "P1.png", key)
	assert.Equal(t, 1, f.fetcher.calls)
	assert.True(t, f.files.has("P1.png"))
	assert.Equal(t, "image/png", f.files.types["P1.png"])
	assert.Equal(t, []product.ImageUploadedEvent{{ProductCode: "P1", ImageName: "P1.png"}}, f.events.published())

	img := f.repo.image("P1")
	require.NotNil(t, img)
	assert.Equal(t, "P1.png", *img)
}

func TestUploadImageFromURL_FetchFailure(t *testing.T) {
	f := newFixture(newTestProduct("P1"))
	f.fetcher.err = errors.New("unexpected status 404")

	_, err := f.svc.UploadImageFromURL(context.Background(), "P1", "https://example.com/missing.png")
	require.ErrorIs(t, err, ErrUpstreamFetch)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "https://example.com/missing.png", fetchErr.URL)

	assert.Empty(t, f.files.objects)
	assert.Nil(t, f.repo.image("P1"))
	assert.Empty(t, f.events.published())
}

func TestUploadImage_Direct(t *testing.T) {
	f := newFixture(newTestProduct("C3"))
	ctx := context.Background()

	key, err := f.svc.UploadImage(ctx, "C3", "holiday photo.JPG", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "C3.JPG", key)
	assert.Equal(t, []byte{1, 2, 3}, f.files.objects["C3.JPG"])

	got, err := f.svc.GetByCode(ctx, "C3")
	require.NoError(t, err)
	view := got.MustGet()
	require.NotNil(t, view.Image)
	assert.Equal(t, "C3.JPG", *view.Image)
	require.NotNil(t, view.ImageURL)
	assert.Contains(t, *view.ImageURL, "C3.JPG")
}

func TestUploadImage_ClientPathFilename(t *testing.T) {
	f := newFixture(newTestProduct("C4"))

	key, err := f.svc.UploadImage(context.Background(), "C4", `C:\Users\me\pics.v2\cat.gif`, []byte("gif"))
	require.NoError(t, err)
	assert.Equal(t, "C4.gif", key)
}

func TestUploadImage_NoExtension(t *testing.T) {
	f := newFixture(newTestProduct("C5"))

	_, err := f.svc.UploadImage(context.Background(), "C5", "README", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, f.files.objects)
}

func TestUploadImage_UnknownProduct(t *testing.T) {
	f := newFixture()

	_, err := f.svc.UploadImage(context.Background(), "NOPE", "a.png", []byte("x"))
	require.ErrorIs(t, err, product.ErrNotFound)
	assert.Empty(t, f.files.objects)
	assert.Empty(t, f.events.published())
}

func TestUploadImage_StorageFailureAbortsBeforeMutation(t *testing.T) {
	f := newFixture(newTestProduct("P1"))
	f.files.storeErr = errors.New("s3: connection reset")

	_, err := f.svc.UploadImage(context.Background(), "P1", "a.png", []byte("x"))
	require.ErrorIs(t, err, ErrStorageFailure)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "P1.png", storageErr.Key)

	assert.Nil(t, f.repo.image("P1"))
	assert.Zero(t, f.repo.updates)
	assert.Empty(t, f.events.published())
}

// The object write and the record update are not atomic. When the update
// fails the object exists, the record is unchanged and no event goes out.
func TestUploadImage_RecordUpdateFailureLeavesOrphanedObject(t *testing.T) {
	f := newFixture(newTestProduct("P1"))
	f.repo.updateErr = errDB

	_, err := f.svc.UploadImage(context.Background(), "P1", "a.png", []byte("x"))
	require.ErrorIs(t, err, errDB)

	var updateErr *RecordUpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "P1.png", updateErr.Key)

	assert.True(t, f.files.has("P1.png"), "object stays in storage")
	assert.Nil(t, f.repo.image("P1"))
	assert.Empty(t, f.events.published())

	// The reconcile audit links the object once the store recovers.
	f.repo.updateErr = nil
	report, err := NewReconciler(f.repo, objectsOf(f.files), false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1.png"}, report.Repaired)
	require.NotNil(t, f.repo.image("P1"))
	assert.Equal(t, "P1.png", *f.repo.image("P1"))
}

func TestUploadImage_PublishFailureKeepsUpload(t *testing.T) {
	f := newFixture(newTestProduct("P1"))
	f.events.err = errors.New("broker down")

	key, err := f.svc.UploadImage(context.Background(), "P1", "a.webp", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "P1.webp", key)
	require.NotNil(t, f.repo.image("P1"))
	assert.Equal(t, "P1.webp", *f.repo.image("P1"))
}

func TestUploadImage_ConcurrentDifferentCodes(t *testing.T) {
	const n = 16
	products := make([]product.Product, n)
	for i := range n {
		products[i] = newTestProduct(fmt.Sprintf("P%d", i))
	}
	f := newFixture(products...)

	var g errgroup.Group
	for i := range n {
		code := fmt.Sprintf("P%d", i)
		g.Go(func() error {
			if i%2 == 0 {
				_, err := f.svc.UploadImage(context.Background(), code, "img.png", []byte(code))
				return err
			}
			_, err := f.svc.UploadImageFromURL(context.Background(), code, "https://example.com/"+code+".jpg")
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := range n {
		code := fmt.Sprintf("P%d", i)
		want := code + ".png"
		if i%2 != 0 {
			want = code + ".jpg"
		}
		img := f.repo.image(code)
		require.NotNil(t, img, code)
		assert.Equal(t, want, *img)
	}
	assert.Len(t, f.events.published(), n)
}

func TestSearchByName(t *testing.T) {
	f := newFixture(newTestProduct("A"), newTestProduct("B"))

	got, err := f.svc.SearchByName(context.Background(), "product")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
