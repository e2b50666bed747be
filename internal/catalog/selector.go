// Package catalog builds the name-keyed view of a store's images that the
// reconciliation engine diffs against.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/osmirror/glancesync/internal/glance"
)

// Selection scopes a sync run. An empty selection (no names, no pattern)
// means every image in the store. Names and Pattern are OR'd, not mutually
// exclusive.
type Selection struct {
	Names   []string
	Pattern string // prefix-anchored regular expression
}

// IsEmpty reports whether the selection matches everything.
func (s Selection) IsEmpty() bool {
	return len(s.Names) == 0 && s.Pattern == ""
}

// Compile validates the pattern up front so a bad regexp fails the run
// before any store is contacted.
func (s Selection) Compile() (*Matcher, error) {
	m := &Matcher{names: make(map[string]bool, len(s.Names))}
	for _, n := range s.Names {
		m.names[n] = true
	}
	if s.Pattern != "" {
		pat := s.Pattern
		if !strings.HasPrefix(pat, "^") {
			pat = "^" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid image pattern %q: %w", s.Pattern, err)
		}
		m.re = re
	}
	return m, nil
}

// Matcher is a compiled Selection.
type Matcher struct {
	names map[string]bool
	re    *regexp.Regexp
}

// Match reports whether an image name is in scope.
func (m *Matcher) Match(name string) bool {
	if len(m.names) == 0 && m.re == nil {
		return true
	}
	if m.names[name] {
		return true
	}
	return m.re != nil && m.re.MatchString(name)
}

// Catalog maps image name to its record for one store at one point in
// time. Never persisted; rebuilt from a fresh listing every run.
type Catalog map[string]glance.Image

// UnavailableError marks a store whose catalog could not be listed. The
// engine aborts the whole run when the master is unavailable and only the
// affected slave otherwise.
type UnavailableError struct {
	Store string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s unavailable: %v", e.Store, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Select lists every image on the store and returns the subset matching
// the selection, keyed by name. Duplicate names in a listing resolve
// last-seen-wins; that is a data-quality problem on the store, so it gets
// a warning rather than silence.
func Select(ctx context.Context, store glance.Store, sel Selection, logger *slog.Logger) (Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	matcher, err := sel.Compile()
	if err != nil {
		return nil, err
	}

	images, err := store.ListImages(ctx)
	if err != nil {
		return nil, &UnavailableError{Store: store.Name(), Err: err}
	}

	cat := make(Catalog)
	for _, img := range images {
		if !matcher.Match(img.Name) {
			continue
		}
		if prev, dup := cat[img.Name]; dup {
			logger.Warn("duplicate image name in store listing, keeping last seen",
				"store", store.Name(), "image", img.Name, "dropped_id", prev.ID, "kept_id", img.ID)
		}
		cat[img.Name] = img
	}
	return cat, nil
}
