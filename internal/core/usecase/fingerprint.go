package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

// normalizeQuery trims and collapses whitespace. Casing is kept for model
// calls.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// queryFingerprint addresses a result set by routed domain, case-folded query,
// top_k and filters.
func queryFingerprint(d domain.Domain, normalized string, topK int, filters domain.Filters) string {
	var b strings.Builder
	b.WriteString(string(d))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(normalized))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(topK))
	b.WriteByte('|')
	for i, key := range filters.SortedKeys() {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Quote(key))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(filters[key]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
