package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// subdomainPattern matches the accepted subdomain grammar: lowercase
// alphanumeric, interior hyphens allowed, 1-63 characters.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidSubdomain reports whether s is an acceptable custom subdomain.
func ValidSubdomain(s string) bool {
	return subdomainPattern.MatchString(s)
}

// Sanitize lowercases name and replaces every run of characters outside
// [a-z0-9] (hyphens included) with a single hyphen, trimming
// leading/trailing hyphens.
func Sanitize(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	lastHyphen := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen && b.Len() > 0 {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

const maxSubdomainLength = 63

// GenerateSubdomain builds an auto-generated subdomain from prefix and
// a sanitized resource name, retrying with a random suffix on
// collision (reported by taken) up to 10 times, truncated to 63
// characters.
func GenerateSubdomain(prefix, name string, taken func(candidate string) (bool, error)) (string, error) {
	base := prefix + Sanitize(name)
	if len(base) > maxSubdomainLength {
		base = base[:maxSubdomainLength]
	}

	for attempt := 0; attempt < 10; attempt++ {
		candidate := base
		if attempt > 0 {
			suffix, err := generateRandomString(6, alphanumeric)
			if err != nil {
				return "", err
			}
			suffix = strings.ToLower(suffix)
			candidate = base
			if len(candidate)+len(suffix)+1 > maxSubdomainLength {
				candidate = candidate[:maxSubdomainLength-len(suffix)-1]
			}
			candidate = candidate + "-" + suffix
		}
		inUse, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !inUse {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("utils: exhausted subdomain generation attempts for prefix %q", prefix)
}
