package catalog

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/catalog-service/internal/domain/product"
)

// Sentinel errors for catalog operations. Match with errors.Is.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUpstreamFetch  = errors.New("remote image unavailable")
	ErrStorageFailure = errors.New("image storage failure")
)

// DuplicateError indicates a product with the same code already exists.
type DuplicateError struct {
	Code string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("product with code %s already exists", e.Code)
}

// Is matches product.ErrDuplicate.
func (e *DuplicateError) Is(target error) bool {
	return target == product.ErrDuplicate
}

// InvalidURLError indicates an image URL that is not an http(s) URL or has
// no file extension in its path.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid image url %q: %s", e.URL, e.Reason)
}

// Is matches ErrInvalidInput.
func (e *InvalidURLError) Is(target error) bool {
	return target == ErrInvalidInput
}

// FetchError indicates the remote image could not be downloaded.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch image %s: %v", e.URL, e.Err)
}

// Is matches ErrUpstreamFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrUpstreamFetch
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError indicates the object storage write failed. No record was
// mutated and no event was published.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store image %s: %v", e.Key, e.Err)
}

// Is matches ErrStorageFailure.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func (e *StorageError) Unwrap() error { return e.Err }

// RecordUpdateError reports the partial failure where the image object was
// stored but the product record could not be updated. The object stays in
// the bucket until the reconcile audit links it.
type RecordUpdateError struct {
	Code string
	Key  string
	Err  error
}

func (e *RecordUpdateError) Error() string {
	return fmt.Sprintf("update image of product %s to %s: %v", e.Code, e.Key, e.Err)
}

func (e *RecordUpdateError) Unwrap() error { return e.Err }
