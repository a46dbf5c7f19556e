package postgres

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"github.com/xenking/catalog-service/internal/domain/product"
)

const uniqueViolation = "23505"

const (
	productColumns = `code, name, description, price, image, created_date, last_modified_date`

	insertProductSQL = `INSERT INTO products (code, name, description, price)
		VALUES ($1, $2, $3, $4)
		RETURNING created_date, last_modified_date`

	getProductByCodeSQL = `SELECT ` + productColumns + ` FROM products WHERE code = $1`

	updateProductImageSQL = `UPDATE products SET image = $2, last_modified_date = now() WHERE code = $1`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY id`

	searchProductsSQL = `SELECT ` + productColumns + ` FROM products
		WHERE name ILIKE '%' || $1 || '%' ESCAPE '\' ORDER BY id`
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// Insert stores p and fills its timestamps. The unique constraint on code
// makes concurrent inserts of one code yield a single row.
func (r *ProductRepository) Insert(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, insertProductSQL, p.Code, p.Name, p.Description, p.Price).
		Scan(&p.CreatedDate, &p.LastModifiedDate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return product.ErrDuplicate
		}
		return errors.Wrapf(err, "insert product %q", p.Code)
	}
	return nil
}

// FindByCode returns the product with the given code, or mo.None.
func (r *ProductRepository) FindByCode(ctx context.Context, code string) (mo.Option[product.Product], error) {
	rows, err := r.pool.Query(ctx, getProductByCodeSQL, code)
	if err != nil {
		return mo.None[product.Product](), errors.Wrapf(err, "get product %q", code)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[product.Product](), nil
		}
		return mo.None[product.Product](), errors.Wrapf(err, "get product %q", code)
	}
	return mo.Some(p), nil
}

// UpdateImage sets the image key and bumps last_modified_date.
func (r *ProductRepository) UpdateImage(ctx context.Context, code, image string) error {
	if _, err := r.pool.Exec(ctx, updateProductImageSQL, code, image); err != nil {
		return errors.Wrapf(err, "update image of product %q", code)
	}
	return nil
}

// List returns all products in insertion order.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// SearchByName returns products whose name contains name, ignoring case.
func (r *ProductRepository) SearchByName(ctx context.Context, name string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, searchProductsSQL, escapeLike(name))
	if err != nil {
		return nil, errors.Wrap(err, "search products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.Code, &p.Name, &p.Description, &p.Price, &p.Image,
		&p.CreatedDate, &p.LastModifiedDate,
	)
	return p, err
}
