package xchroot

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// imageKeyNamespace must remain stable so that journal rows written by an
// older run are still found by a newer one.
const imageKeyNamespace = "xchroot-image-v1"

// DeriveImageKey deterministically derives the journal key for an image.
//
// The key is a SHA256 of the cleaned absolute path with an "img_" prefix. Two
// invocations against the same file always agree on the key, which is what
// lets a later `xchroot teardown` find the session a crashed run left behind
// and what the image lock is keyed on.
func DeriveImageKey(imagePath string) string {
	p := imagePath
	if abs, err := filepath.Abs(imagePath); err == nil {
		p = abs
	}
	h := sha256.Sum256([]byte(imageKeyNamespace + ":" + filepath.Clean(p)))
	return "img_" + hex.EncodeToString(h[:])
}

// NewSessionID returns a fresh, time-ordered session identifier.
func NewSessionID() string {
	return "ses_" + ulid.Make().String()
}
