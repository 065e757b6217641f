// Package collection reads the list of collections to mirror.
package collection

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/sanitize"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Load reads one collection name per non-empty line of path. Names are
// trimmed, a leading UTF-8 byte order mark is dropped, and repeated names
// keep their first position.
func Load(fs afero.Fs, path string) ([]mirror.Collection, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read collection list %s: %w", path, err)
	}
	return Parse(data), nil
}

// Parse splits list content into collections.
func Parse(data []byte) []mirror.Collection {
	data = bytes.TrimPrefix(data, bom)
	var out []mirror.Collection
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, New(name))
	}
	return out
}

// New builds a Collection with its sanitized directory name.
func New(name string) mirror.Collection {
	return mirror.Collection{Name: name, Dir: sanitize.Name(name)}
}
