package image

import (
	"sort"

	"github.com/opencontainers/go-digest"
)

// Spec is everything that determines the content of an image
type Spec struct {
	BaseVersion string
	Packages    []string
	Tools       map[string]string // mise tool -> version
	User        string
}

// Fingerprint returns the hex SHA-256 of the normalized spec. Packages and
// tools are sorted so declaration order never changes the result. Each field
// is written as a tagged, NUL-terminated section so no value can spill into
// a neighbouring field.
func Fingerprint(s Spec) string {
	d := digest.Canonical.Digester()
	h := d.Hash()

	field := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	field("base", s.BaseVersion)

	pkgs := append([]string(nil), s.Packages...)
	sort.Strings(pkgs)
	for _, p := range pkgs {
		field("pkg", p)
	}

	for _, tool := range sortedTools(s.Tools) {
		field("tool", tool, s.Tools[tool])
	}

	if s.User != "" {
		field("user", s.User)
	}

	return d.Digest().Encoded()
}

func sortedTools(tools map[string]string) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
