// Package storage keeps uploaded fundus images under generated keys.
package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("stored image not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

// Store persists uploads. Keys come from NewKey, so backends never see client
// filenames.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// NewKey returns a fresh collision resistant key owned by owner, shaped
// "<owner>-<uuid><ext>".
func NewKey(owner uint, ext string) string {
	ext = strings.ToLower(ext)
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return strconv.FormatUint(uint64(owner), 10) + "-" + uuid.NewString() + ext
}

// KeyOwner returns the user id a key was issued to.
func KeyOwner(key string) (uint, error) {
	ownerPart, rest, ok := strings.Cut(key, "-")
	if !ok {
		return 0, ErrInvalidKey
	}
	owner, err := strconv.ParseUint(ownerPart, 10, strconv.IntSize)
	if err != nil {
		return 0, ErrInvalidKey
	}

	stem, ext, hasExt := strings.Cut(rest, ".")
	if _, err := uuid.Parse(stem); err != nil || len(stem) != 36 {
		return 0, ErrInvalidKey
	}
	if hasExt && !extPattern.MatchString("."+ext) {
		return 0, ErrInvalidKey
	}
	return uint(owner), nil
}

// ValidateKey accepts only keys shaped like NewKey output.
func ValidateKey(key string) error {
	_, err := KeyOwner(key)
	return err
}
