// Package markup exposes parsed HTML through a small node capability interface
// so rewriting and scanning code does not depend on a parser's object model.
package markup

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Node is the capability set the rewriter and asset scanner rely on.
type Node interface {
	// Tag returns the lowercase element name, or "" for non-element nodes.
	Tag() string
	// Attr returns the value of the named attribute.
	Attr(key string) (string, bool)
	// SetAttr replaces the value of an existing attribute or adds it.
	SetAttr(key, value string)
	// Children returns the direct children in document order.
	Children() []Node
}

// Document is a parsed HTML document.
type Document struct {
	root *html.Node
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root}, nil
}

// Root returns the document node.
func (d *Document) Root() Node {
	return &htmlNode{n: d.root}
}

// Render serializes the document.
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	return nil
}

// Bytes serializes the document into memory.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Walk visits n and its descendants depth-first in document order.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, child := range n.Children() {
		Walk(child, fn)
	}
}

// Elements returns every element below root with the given tag name.
func Elements(root Node, tag string) []Node {
	tag = strings.ToLower(tag)
	var out []Node
	Walk(root, func(n Node) {
		if n.Tag() == tag {
			out = append(out, n)
		}
	})
	return out
}

type htmlNode struct {
	n *html.Node
}

func (h *htmlNode) Tag() string {
	if h.n.Type != html.ElementNode {
		return ""
	}
	return h.n.Data
}

func (h *htmlNode) Attr(key string) (string, bool) {
	for _, a := range h.n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (h *htmlNode) SetAttr(key, value string) {
	for i, a := range h.n.Attr {
		if a.Namespace == "" && a.Key == key {
			h.n.Attr[i].Val = value
			return
		}
	}
	h.n.Attr = append(h.n.Attr, html.Attribute{Key: key, Val: value})
}

func (h *htmlNode) Children() []Node {
	var out []Node
	for c := h.n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, &htmlNode{n: c})
	}
	return out
}
