package crawler

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Match patterns are glob-style strings where the literal token ** matches
// one or more characters. A pattern is compiled by quoting it literally and
// turning every ** into a capturing (.+); the test against a URL is
// unanchored. The same compiled form answers both link-following decisions
// and filename derivation, so compilations are cached.
var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(pattern string) *regexp.Regexp {
	patternMu.RLock()
	re := patternCache[pattern]
	patternMu.RUnlock()
	if re != nil {
		return re
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*\*`, `(.+)`)
	re = regexp.MustCompile(expr)
	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re
}

// MatchesAny reports whether the URL matches at least one of the patterns.
// An empty pattern set matches nothing.
func MatchesAny(rawURL string, patterns []string) bool {
	for _, p := range patterns {
		if compilePattern(p).MatchString(rawURL) {
			return true
		}
	}
	return false
}

// ExtractFilename derives a filesystem-safe filename stem for a URL. The
// first pattern in input order whose expression matches wins: its first
// captured wildcard, with leading and trailing slashes stripped, inner
// slashes replaced by underscores, and lowercased, becomes the stem. When no
// pattern matches, or the matching pattern carries no wildcard, the URL's
// final path segment is used instead, or "index" for a URL without path
// segments. The result is never empty and never contains path separators.
// Pure function: identical inputs always produce identical output.
func ExtractFilename(rawURL string, patterns []string) string {
	for _, p := range patterns {
		m := compilePattern(p).FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		if len(m) >= 2 {
			stem := strings.Trim(m[1], "/")
			stem = strings.ReplaceAll(stem, "/", "_")
			stem = strings.ToLower(stem)
			if stem != "" {
				return stem
			}
		}
		break
	}
	return fallbackFilename(rawURL)
}

func fallbackFilename(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "index"
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1]
}
