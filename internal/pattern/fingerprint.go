package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const fingerprintLength = 16

// Fingerprint derives a stable signature from a page's structural features
// (landmark tags, form field counts, heading skeleton; whatever the
// extension reports). The feature map is order-insensitive: entries are
// sorted before hashing, so two pages reporting the same structure always
// fingerprint identically regardless of extraction order.
func Fingerprint(features map[string]int) string {
	if len(features) == 0 {
		return ""
	}
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%d;", k, features[k])
	}
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])[:fingerprintLength]
}

// FingerprintsMatch reports whether two fingerprints identify structurally
// equivalent pages. Empty fingerprints never match anything.
func FingerprintsMatch(a, b string) bool {
	return a != "" && a == b
}
