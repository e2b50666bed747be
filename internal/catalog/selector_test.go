package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/osmirror/glancesync/internal/glance"
)

// listStore is a minimal glance.Store stub; only listing matters here.
type listStore struct {
	glance.Store

	name   string
	images []glance.Image
	err    error
}

func (s *listStore) Name() string { return s.name }

func (s *listStore) ListImages(ctx context.Context) ([]glance.Image, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.images, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func namedImages(names ...string) []glance.Image {
	imgs := make([]glance.Image, len(names))
	for i, n := range names {
		imgs[i] = glance.Image{ID: fmt.Sprintf("id-%d", i), Name: n}
	}
	return imgs
}

func catalogNames(c Catalog) []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func TestSelect(t *testing.T) {
	store := &listStore{
		name:   "master",
		images: namedImages("ubuntu-20", "ubuntu-22", "centos-8", "prod-web", "prod-db"),
	}

	tests := []struct {
		name string
		sel  Selection
		want []string
	}{
		{
			name: "empty selection selects all",
			sel:  Selection{},
			want: []string{"centos-8", "prod-db", "prod-web", "ubuntu-20", "ubuntu-22"},
		},
		{
			name: "explicit names",
			sel:  Selection{Names: []string{"centos-8", "ubuntu-20"}},
			want: []string{"centos-8", "ubuntu-20"},
		},
		{
			name: "name not on store ignored",
			sel:  Selection{Names: []string{"ubuntu-20", "missing"}},
			want: []string{"ubuntu-20"},
		},
		{
			name: "pattern is prefix anchored",
			sel:  Selection{Pattern: "prod-"},
			want: []string{"prod-db", "prod-web"},
		},
		{
			name: "pattern does not match mid-name",
			sel:  Selection{Pattern: "web"},
			want: []string{},
		},
		{
			name: "names OR pattern",
			sel:  Selection{Names: []string{"centos-8"}, Pattern: "ubuntu-"},
			want: []string{"centos-8", "ubuntu-20", "ubuntu-22"},
		},
		{
			name: "already anchored pattern unchanged",
			sel:  Selection{Pattern: "^prod-w"},
			want: []string{"prod-web"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := Select(context.Background(), store, tt.sel, discardLogger())
			if err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			got := catalogNames(cat)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSelectInvalidPattern(t *testing.T) {
	store := &listStore{name: "master", images: namedImages("ubuntu-20")}

	_, err := Select(context.Background(), store, Selection{Pattern: "["}, discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestSelectDuplicateNamesLastSeenWins(t *testing.T) {
	store := &listStore{
		name: "master",
		images: []glance.Image{
			{ID: "id-old", Name: "ubuntu-20"},
			{ID: "id-new", Name: "ubuntu-20"},
		},
	}

	cat, err := Select(context.Background(), store, Selection{}, discardLogger())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(cat) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(cat))
	}
	if cat["ubuntu-20"].ID != "id-new" {
		t.Errorf("expected last-seen image to win, got %s", cat["ubuntu-20"].ID)
	}
}

func TestSelectListFailure(t *testing.T) {
	store := &listStore{name: "brno", err: fmt.Errorf("connection refused")}

	_, err := Select(context.Background(), store, Selection{}, discardLogger())
	if err == nil {
		t.Fatal("expected error when listing fails")
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %T", err)
	}
	if unavailable.Store != "brno" {
		t.Errorf("error names store %q, want brno", unavailable.Store)
	}
}
