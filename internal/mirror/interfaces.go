package mirror

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Store is the filesystem-backed idempotency oracle and write target.
type Store interface {
	Exists(path string) bool
	Write(ctx context.Context, path string, data io.Reader) (string, error)
}

// Gate blocks the caller until a request to url is allowed.
type Gate interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Resolver turns a collection into its ordered page listing.
type Resolver interface {
	Resolve(ctx context.Context, collection Collection) (Listing, error)
}

// PageMirror mirrors a single page.
type PageMirror interface {
	Mirror(ctx context.Context, task Task) Result
}
