package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hupe1980/dispatchmesh/core"
)

// Precompiled once; normalization runs on every lookup.
var spaceRegex = regexp.MustCompile(`\s+`)

// NormalizeQuery lower-cases, trims and collapses internal whitespace runs so
// requests differing only by casing or spacing map to the same fingerprint.
func NormalizeQuery(query string) string {
	return spaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), " ")
}

// Fingerprint derives the cache key for a request: the query field is
// normalized, the full request is serialized deterministically (encoding/json
// sorts map keys at every level) and hashed, keeping a 128-bit truncation of
// the SHA-256 digest in hex.
func Fingerprint(req core.Request) string {
	normalized := map[string]any{
		"query": NormalizeQuery(req.Query),
	}
	if len(req.Fields) > 0 {
		normalized["fields"] = req.Fields
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		// Unmarshalable field values fall back to the query alone rather
		// than failing the lookup path.
		payload = []byte(NormalizeQuery(req.Query))
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
