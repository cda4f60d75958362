package aadsync

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	maxFirstNameLen   = 30
	maxLastNameLen    = 150
	maxProfileTextLen = 100
)

// normalizeEmail returns the natural key for a directory mail address.
func normalizeEmail(mail string) string {
	// Casers keep state and are not safe for concurrent use.
	return cases.Lower(language.Und).String(strings.TrimSpace(mail))
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// domainAllowed reports whether email ends with "@" plus one of domains.
func domainAllowed(email string, domains []string) bool {
	for _, domain := range domains {
		domain = strings.TrimPrefix(strings.TrimSpace(domain), "@")
		if domain == "" {
			continue
		}
		if strings.HasSuffix(email, "@"+normalizeEmail(domain)) {
			return true
		}
	}
	return false
}

// truncateRunes cuts value to at most limit characters.
func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range value {
		if count == limit {
			return value[:i]
		}
		count++
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
