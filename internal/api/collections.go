package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/column-mirror/internal/progress/sinks"
)

const (
	defaultCollectionLimit = 100
	maxCollectionLimit     = 1000
)

// Collection states accepted by the state filter.
const (
	stateRunning = "running"
	stateDone    = "done"
	stateSkipped = "skipped"
)

// listCollections handles GET /v1/collections?state=&limit=&offset=. It
// returns {"collections": [...], "total": n}, or 400 for invalid filters.
func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	if s.tally == nil {
		writeError(w, http.StatusServiceUnavailable, "tally unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultCollectionLimit, maxCollectionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var matched []sinks.CollectionTally
	for _, c := range s.tally.Snapshot().Collections {
		if state == "" || collectionState(c) == state {
			matched = append(matched, c)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	page := make([]sinks.CollectionTally, 0, end-offset)
	page = append(page, matched[offset:end]...)
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": page,
		"total":       total,
	})
}

// getCollection handles GET /v1/collections/{name}. Names are matched after
// percent-decoding; 404 when the run has not seen the collection.
func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	if s.tally == nil {
		writeError(w, http.StatusServiceUnavailable, "tally unavailable")
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "invalid collection name")
		return
	}
	for _, c := range s.tally.Snapshot().Collections {
		if c.Name == name {
			writeJSON(w, http.StatusOK, map[string]any{"collection": c})
			return
		}
	}
	writeError(w, http.StatusNotFound, "collection not found")
}

func collectionState(c sinks.CollectionTally) string {
	switch {
	case c.Skipped:
		return stateSkipped
	case c.Done:
		return stateDone
	default:
		return stateRunning
	}
}

func parseState(input string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(input)); s {
	case "", stateRunning, stateDone, stateSkipped:
		return s, nil
	default:
		return "", errors.New("invalid state")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
