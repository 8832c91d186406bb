package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/umar/guestchat/internal/apperr"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100

	nextCursorHeader = "X-Next-Cursor"
)

// pageParams reads limit and the strictly-before cursor. A zero time means
// start from the newest item.
func pageParams(r *http.Request) (time.Time, int, error) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid limit %q: %w", raw, apperr.ErrValidation)
		}
		limit = min(l, maxPageSize)
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid before cursor %q: %w", raw, apperr.ErrValidation)
		}
		before = t
	}
	return before, limit, nil
}

func setNextCursor(w http.ResponseWriter, oldest time.Time) {
	w.Header().Set(nextCursorHeader, oldest.UTC().Format(time.RFC3339Nano))
}
