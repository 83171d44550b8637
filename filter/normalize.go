package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Messaging apps stamp re-posted notifications with the update time, so two
// posts of the same message can differ only in those fragments.
var volatilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}[-./]\d{1,2}[-./]\d{1,2}[ T]\d{1,2}:\d{2}(:\d{2}(\.\d{3,6})?)?`),
	regexp.MustCompile(`(오전|오후)\s*\d{1,2}:\d{2}`),
	regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\s*([AaPp][Mm])?\b`),
	regexp.MustCompile(`\(\d+\)\s*$`),
}

// NormalizeText strips time stamps and unread counters from a message body
// and collapses whitespace.
func NormalizeText(input string) string {
	s := input
	for _, re := range volatilePatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

// HashNormalized returns the hex sha256 of s, truncated to hexLen characters
// when 0 < hexLen < 64.
func HashNormalized(s string, hexLen int) string {
	sum := sha256.Sum256([]byte(s))
	full := hex.EncodeToString(sum[:])
	if hexLen <= 0 || hexLen >= len(full) {
		return full
	}
	return full[:hexLen]
}
