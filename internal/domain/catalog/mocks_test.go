package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/xenking/catalog-service/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	mu     sync.Mutex
	byCode map[string]*product.Product
	order  []string

	findErr   error
	updateErr error
	updates   int
}

func newProductRepo(products ...product.Product) *mockProductRepo {
	r := &mockProductRepo{byCode: make(map[string]*product.Product)}
	for i := range products {
		p := products[i]
		r.byCode[p.Code] = &p
		r.order = append(r.order, p.Code)
	}
	return r
}

func (m *mockProductRepo) Insert(_ context.Context, p *product.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[p.Code]; ok {
		return product.ErrDuplicate
	}
	now := time.Now()
	p.CreatedDate, p.LastModifiedDate = now, now
	cp := *p
	m.byCode[p.Code] = &cp
	m.order = append(m.order, p.Code)
	return nil
}

func (m *mockProductRepo) FindByCode(_ context.Context, code string) (mo.Option[product.Product], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return mo.None[product.Product](), m.findErr
	}
	p, ok := m.byCode[code]
	if !ok {
		return mo.None[product.Product](), nil
	}
	return mo.Some(*p), nil
}

func (m *mockProductRepo) UpdateImage(_ context.Context, code, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates++
	if p, ok := m.byCode[code]; ok {
		img := image
		p.Image = &img
		p.LastModifiedDate = time.Now()
	}
	return nil
}

func (m *mockProductRepo) List(_ context.Context) ([]product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]product.Product, 0, len(m.order))
	for _, code := range m.order {
		out = append(out, *m.byCode[code])
	}
	return out, nil
}

func (m *mockProductRepo) SearchByName(ctx context.Context, _ string) ([]product.Product, error) {
	return m.List(ctx)
}

func (m *mockProductRepo) image(code string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byCode[code]; ok {
		return p.Image
	}
	return nil
}

type mockFileStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	types      map[string]string
	storeErr   error
	presignErr error
	presigns   int
}

func newFileStorage() *mockFileStorage {
	return &mockFileStorage{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *mockFileStorage) Store(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *mockFileStorage) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presigns++
	if m.presignErr != nil {
		return "", m.presignErr
	}
	return "https://bucket.example.com/" + key + "?ttl=" + ttl.String(), nil
}

func (m *mockFileStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type mockInventory struct {
	available bool
	err       error
}

func (m *mockInventory) IsAvailable(_ context.Context, _ string) (bool, error) {
	return m.available, m.err
}

type mockPublisher struct {
	mu     sync.Mutex
	events []product.ImageUploadedEvent
	err    error
}

func (m *mockPublisher) PublishImageUploaded(_ context.Context, ev product.ImageUploadedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) published() []product.ImageUploadedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]product.ImageUploadedEvent(nil), m.events...)
}

type mockFetcher struct {
	mu          sync.Mutex
	data        []byte
	contentType string
	err         error
	calls       int
}

func (m *mockFetcher) Fetch(_ context.Context, _ string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, "", m.err
	}
	return m.data, m.contentType, nil
}

// --- Helpers ---

var errDB = errors.New("db unavailable")

func newTestProduct(code string) product.Product {
	return product.Product{
		Code:        code,
		Name:        "Product " + code,
		Description: "Product " + code + " description",
		Price:       decimal.RequireFromString("34.00"),
	}
}

type fixture struct {
	repo      *mockProductRepo
	files     *mockFileStorage
	inventory *mockInventory
	events    *mockPublisher
	fetcher   *mockFetcher
	svc       *Service
}

func newFixture(products ...product.Product) *fixture {
	f := &fixture{
		repo:      newProductRepo(products...),
		files:     newFileStorage(),
		inventory: &mockInventory{available: true},
		events:    &mockPublisher{},
		fetcher:   &mockFetcher{data: []byte("png-bytes"), contentType: "image/png"},
	}
	f.svc = NewService(f.repo, f.files, f.inventory, f.events, f.fetcher)
	return f
}
