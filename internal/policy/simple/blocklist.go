package simple

import (
	"slices"
	"strings"
)

// blocklist stores exact hosts and suffix wildcards.
type blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newBlocklist accepts "host", "*.suffix", and ".suffix" patterns. It returns
// nil when no usable pattern is given.
func newBlocklist(patterns []string) *blocklist {
	b := &blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		var suffix string
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			suffix = strings.TrimPrefix(value, "*.")
		case strings.HasPrefix(value, "."):
			suffix = strings.TrimPrefix(value, ".")
		default:
			b.exact[value] = struct{}{}
			continue
		}
		if suffix != "" && !slices.Contains(b.suffixes, suffix) {
			b.suffixes = append(b.suffixes, suffix)
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *blocklist) blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
