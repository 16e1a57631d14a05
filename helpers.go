package cmsync

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify converts a title to a lowercase ASCII slug. Accented letters are
// folded to their base letter, every other run of non-alphanumerics becomes
// a single "-", and leading or trailing separators are dropped.
func Slugify(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), s)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prev := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
				prev = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// postSlug returns the slug used for a post's file name and asset folder.
// Titles without any ASCII-foldable characters fall back to the post ID.
func postSlug(p RemotePost) (string, error) {
	if slug := Slugify(p.Title); slug != "" {
		return slug, nil
	}
	if slug := Slugify(p.ID); slug != "" {
		return slug, nil
	}
	return "", fmt.Errorf("%w: post %q has no usable title or id for a slug", ErrMalformedPost, p.ID)
}

// datePart returns the YYYY-MM-DD prefix of an ISO-8601 timestamp.
func datePart(publishedAt string) (string, error) {
	if len(publishedAt) < 10 {
		return "", fmt.Errorf("%w: publishedAt %q is not an ISO-8601 date", ErrMalformedPost, publishedAt)
	}
	d := publishedAt[:10]
	for i, r := range d {
		if i == 4 || i == 7 {
			if r != '-' {
				return "", fmt.Errorf("%w: publishedAt %q is not an ISO-8601 date", ErrMalformedPost, publishedAt)
			}
			continue
		}
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: publishedAt %q is not an ISO-8601 date", ErrMalformedPost, publishedAt)
		}
	}
	return d, nil
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
