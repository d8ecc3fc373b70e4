package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const maxSlugLen = 32

// Namespace returns the per-user namespace used for container names and home
// paths. The readable slug may collide between users, the hash suffix does not.
func Namespace(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return slug(userID) + "-" + hex.EncodeToString(sum[:4])
}

func slug(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return "user"
	}
	return out
}
