// Package mirror defines the core types shared across the mirroring subsystems.
package mirror

import (
	"net/http"
	"time"
)

// Collection is a named group of pages (a "column" on the source site).
type Collection struct {
	// Name is the raw display name read from the input list.
	Name string
	// Dir is the sanitized directory name derived from Name.
	Dir string
}

// PageDescriptor identifies one remote page and where it lands locally.
type PageDescriptor struct {
	RemoteURL  string
	RemoteStem string
	LocalName  string
}

// PageNameMap maps rendered source-stem names to sanitized rendered names
// for every page of one collection.
type PageNameMap map[string]string

// Lookup returns the mapped local name for a rendered page name.
func (m PageNameMap) Lookup(rendered string) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m[rendered]
	return name, ok
}

// Listing is the resolved content of a collection.
type Listing struct {
	Collection Collection
	URL        string
	Pages      []PageDescriptor
	Names      PageNameMap
}

// AssetReference is an image discovered inside a fetched page.
type AssetReference struct {
	// Src is the attribute value as found in the markup.
	Src string
	// URL is Src resolved against the page URL.
	URL string
	// LocalName is the sanitized file name inside the assets directory.
	LocalName string
}

// Task is one unit of work handed to a page mirror worker.
type Task struct {
	Collection Collection
	Page       PageDescriptor
	Names      PageNameMap
}

// Outcome classifies the result of mirroring one page.
type Outcome string

// Page outcomes reported by the worker.
const (
	OutcomeMirrored        Outcome = "mirrored"
	OutcomeAlreadyMirrored Outcome = "already_mirrored"
	OutcomeFailed          Outcome = "failed"
)

// Result is returned by the worker for every task.
type Result struct {
	Task          Task
	Outcome       Outcome
	Path          string
	Assets        int
	AssetFailures int
	Bytes         int
	Duration      time.Duration
	Err           error
	// Reason is a truncated, human-readable error summary.
	Reason string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}
