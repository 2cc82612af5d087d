package session

import (
	cryptorand "crypto/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var slugSanitizer = regexp.MustCompile(`[^a-z0-9\-]`)
var ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// NewBuildID returns a sortable build identifier. Build IDs order by creation
// time, which keeps history listings chronological without a timestamp sort.
func NewBuildID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String())
}

// Slugify reduces free text to a filesystem-safe slug for artifact names.
func Slugify(base string) string {
	base = strings.ToLower(strings.TrimSpace(base))
	base = strings.ReplaceAll(base, " ", "-")
	base = slugSanitizer.ReplaceAllString(base, "-")
	for strings.Contains(base, "--") {
		base = strings.ReplaceAll(base, "--", "-")
	}
	base = strings.Trim(base, "-")
	if base == "" {
		base = "app"
	}
	const maxSlugLen = 40
	if len(base) > maxSlugLen {
		base = strings.Trim(base[:maxSlugLen], "-")
	}
	return base
}

// UniqueSuffix returns a short suffix for disambiguating colliding names.
func UniqueSuffix() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	return strings.ToLower(id[len(id)-6:])
}
