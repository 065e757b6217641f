// Package rewrite turns fetched pages into mirror-safe HTML and finds the
// assets a page needs.
package rewrite

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/JakeFAU/column-mirror/internal/markup"
	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/sanitize"
)

const (
	staticRoot   = "/static/"
	siteRoot     = "/"
	parentMarker = "../"
	indexFile    = "index.html"
)

// Context carries the local naming information for one page.
type Context struct {
	Names mirror.PageNameMap
	// TopLevel is true for pages stored directly inside a collection
	// directory. Nested pages get one more "../" on root-relative targets.
	TopLevel bool
}

func (c Context) up(levels int) string {
	if !c.TopLevel {
		levels++
	}
	return strings.Repeat("../", levels)
}

// HTML parses src, rewrites it and renders the result.
func HTML(src []byte, rc Context) ([]byte, error) {
	doc, err := markup.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	Rewrite(doc.Root(), rc)
	return doc.Bytes()
}

// Rewrite applies the link rules to every element below root and returns the
// number of attributes changed. Each attribute is rewritten at most once.
func Rewrite(root markup.Node, rc Context) int {
	changed := 0
	markup.Walk(root, func(n markup.Node) {
		tag := n.Tag()
		if tag == "" {
			return
		}
		for _, key := range []string{"href", "src"} {
			val, ok := n.Attr(key)
			if !ok {
				continue
			}
			if next, ok := rewriteValue(tag, key, val, rc); ok && next != val {
				n.SetAttr(key, next)
				changed++
			}
		}
	})
	return changed
}

func rewriteValue(tag, key, val string, rc Context) (string, bool) {
	if strings.HasPrefix(val, staticRoot) {
		return rc.up(1) + "static/" + strings.TrimPrefix(val, staticRoot), true
	}
	if tag != "a" || key != "href" {
		return "", false
	}
	switch {
	case val == siteRoot:
		return rc.up(2) + indexFile, true
	case val == parentMarker:
		return rc.up(1) + indexFile, true
	case strings.HasSuffix(val, sanitize.SourceExt):
		return pageHref(val, rc.Names), true
	}
	return "", false
}

// pageHref maps a link to a source page onto its sibling mirrored file.
// Names missing from the map fall back to the bare rendered file name.
func pageHref(href string, names mirror.PageNameMap) string {
	rendered := sanitize.Rendered(sanitize.Basename(href))
	if local, ok := names.Lookup(rendered); ok {
		return url.PathEscape(local)
	}
	if decoded := sanitize.Unescape(rendered); decoded != rendered {
		if local, ok := names.Lookup(decoded); ok {
			return url.PathEscape(local)
		}
	}
	return url.PathEscape(sanitize.Name(rendered))
}
