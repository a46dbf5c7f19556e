package catalog

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

var imageURLPattern = regexp.MustCompile(`^https?://.+`)

// ImageKey returns the object key under which a product image is stored.
// ext includes the leading dot.
func ImageKey(code, ext string) string {
	return code + ext
}

// CodeFromImageKey is the inverse of ImageKey.
func CodeFromImageKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// ValidateImageURL checks that raw uses an http or https scheme.
func ValidateImageURL(raw string) error {
	if !imageURLPattern.MatchString(raw) {
		return &InvalidURLError{URL: raw, Reason: "scheme must be http or https"}
	}
	return nil
}

func extFromFilename(name string) (string, error) {
	// Browsers on Windows may send the full client path.
	name = name[strings.LastIndexAny(name, `/\`)+1:]
	ext := path.Ext(name)
	if ext == "" || ext == "." {
		return "", errors.Wrapf(ErrInvalidInput, "filename %q has no extension", name)
	}
	return ext, nil
}

func extFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidURLError{URL: raw, Reason: err.Error()}
	}
	ext := path.Ext(u.Path)
	if ext == "" || ext == "." {
		return "", &InvalidURLError{URL: raw, Reason: "no file extension in path"}
	}
	return ext, nil
}

func contentTypeFor(ext, fallback string) string {
	if ct := mime.TypeByExtension(strings.ToLower(ext)); ct != "" {
		return ct
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
