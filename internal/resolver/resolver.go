// Package resolver turns a collection name into its ordered page listing.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/sanitize"
)

// pageSelector matches links to source markup pages.
const pageSelector = `a[href$=".md"]`

// Config controls where listings live on the remote site.
type Config struct {
	// BaseURL is the site root, with a trailing slash.
	BaseURL string
	// ColumnPath is the path segment holding every collection.
	ColumnPath string
}

// Resolver implements mirror.Resolver over a Fetcher.
type Resolver struct {
	base       *url.URL
	columnPath string
	fetcher    mirror.Fetcher
	logger     *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, fetcher mirror.Fetcher, logger *zap.Logger) (*Resolver, error) {
	if fetcher == nil {
		return nil, errors.New("resolver requires a fetcher")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		base:       base,
		columnPath: cfg.ColumnPath,
		fetcher:    fetcher,
		logger:     logger,
	}, nil
}

// ListingURL returns the URL of a collection's listing page. Every reserved
// character of the name is percent-encoded, including '/'.
func (r *Resolver) ListingURL(name string) string {
	var b strings.Builder
	b.WriteString(r.base.String())
	if r.columnPath != "" {
		b.WriteString(escapeAll(r.columnPath))
		b.WriteByte('/')
	}
	b.WriteString(escapeAll(name))
	b.WriteByte('/')
	return b.String()
}

// Resolve fetches a collection listing and derives its pages. It returns
// mirror.ErrNoPages when the listing links to nothing.
func (r *Resolver) Resolve(ctx context.Context, collection mirror.Collection) (mirror.Listing, error) {
	listingURL := r.ListingURL(collection.Name)
	listing := mirror.Listing{Collection: collection, URL: listingURL}

	resp, err := r.fetcher.Fetch(ctx, listingURL)
	if err != nil {
		return listing, fmt.Errorf("resolve %q: %w", collection.Name, err)
	}

	pageURL := listingURL
	if resp.URL != "" {
		pageURL = resp.URL
	}
	pages, names, err := Parse(pageURL, resp.Body)
	if err != nil {
		return listing, fmt.Errorf("resolve %q: %w", collection.Name, err)
	}
	listing.Pages = pages
	listing.Names = names
	if len(pages) == 0 {
		return listing, fmt.Errorf("resolve %q: %w", collection.Name, mirror.ErrNoPages)
	}

	r.logger.Debug("collection resolved",
		zap.String("collection", collection.Name),
		zap.String("url", listingURL),
		zap.Int("pages", len(pages)),
	)
	return listing, nil
}

// Parse extracts page descriptors from listing markup in document order.
// Repeated links yield a single descriptor; the first occurrence wins.
func Parse(listingURL string, body []byte) ([]mirror.PageDescriptor, mirror.PageNameMap, error) {
	base, err := url.Parse(listingURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse listing: %w", err)
	}

	var pages []mirror.PageDescriptor
	names := make(mirror.PageNameMap)
	seenURL := make(map[string]struct{})
	seenLocal := make(map[string]struct{})

	doc.Find(pageSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seenURL[abs]; dup {
			return
		}
		seenURL[abs] = struct{}{}

		stem := sanitize.Basename(trimQuery(href))
		rendered := sanitize.Rendered(stem)
		local := sanitize.Name(rendered)
		names[rendered] = local
		if decoded := sanitize.Unescape(rendered); decoded != rendered {
			names[decoded] = local
		}

		// Two remote names that sanitize alike would race on one file.
		if _, dup := seenLocal[local]; dup {
			return
		}
		seenLocal[local] = struct{}{}
		pages = append(pages, mirror.PageDescriptor{
			RemoteURL:  abs,
			RemoteStem: stem,
			LocalName:  local,
		})
	})
	return pages, names, nil
}

func trimQuery(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		return href[:i]
	}
	return href
}

func escapeAll(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
