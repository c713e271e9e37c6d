// Package artifacts stores result artifacts and correlates out-of-band
// uploads with broker requests.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrPresignUnavailable is returned by stores that cannot hand out
	// direct-write URLs.
	ErrPresignUnavailable = errors.New("presigned upload unavailable")

	// ErrInvalidKey is returned for empty or path-escaping object keys.
	ErrInvalidKey = errors.New("invalid object key")
)

// PutOptions carries object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is shared object storage namespaced by requester id.
type Store interface {
	// Put writes data under key and returns its public URL.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)

	// PresignPut returns a URL that accepts a single PUT of key with the
	// given content type until ttl elapses.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// PublicURL is the address key is served from once written.
	PublicURL(key string) string

	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey rejects keys that are empty, absolute or contain "..".
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ExtensionForContentType maps an image or audio content type to a file
// extension without the dot.
func ExtensionForContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpg"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "mpeg"):
		return "mp3"
	default:
		return "png"
	}
}
