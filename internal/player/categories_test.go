package player

import (
	"testing"

	"songbattle/internal/core"
)

func TestAllCategories(t *testing.T) {
	all := AllCategories()

	expected := len(Genres) + len(Decades) + len(Difficulties)
	if len(all) != expected {
		t.Errorf("AllCategories() returned %d entries, expected %d", len(all), expected)
	}

	seen := make(map[string]struct{})
	for _, c := range all {
		if _, dup := seen[c.ID]; dup {
			t.Errorf("duplicate category ID %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
}

func TestCategoryByID(t *testing.T) {
	c, ok := CategoryByID("jazz")
	if !ok {
		t.Fatal("jazz should exist in the catalog")
	}
	if c.Type != core.CategoryGenre || c.Name != "Jazz" {
		t.Errorf("CategoryByID(jazz) = %+v", c)
	}

	if _, ok := CategoryByID("polka"); ok {
		t.Error("unknown ID should not resolve")
	}
}

func TestFilterForCategory_Genre(t *testing.T) {
	filter, err := FilterForCategory(core.Category{ID: "rock", Type: core.CategoryGenre})
	if err != nil {
		t.Fatal(err)
	}
	if filter.Genre != "rock" {
		t.Errorf("Genre = %q, expected rock", filter.Genre)
	}
	if filter.HasPopularityBand() {
		t.Error("genre filter must not constrain popularity")
	}
}

func TestFilterForCategory_Decade(t *testing.T) {
	tests := []struct {
		id       string
		from, to int
	}{
		{"1990s", 1990, 1999},
		{"2020s", 2020, 2029},
		{"1950s", 1950, 1959},
	}

	for _, tt := range tests {
		filter, err := FilterForCategory(core.Category{ID: tt.id, Type: core.CategoryDecade})
		if err != nil {
			t.Fatalf("FilterForCategory(%s) error: %v", tt.id, err)
		}
		if filter.YearFrom != tt.from || filter.YearTo != tt.to {
			t.Errorf("FilterForCategory(%s) = [%d, %d], expected [%d, %d]",
				tt.id, filter.YearFrom, filter.YearTo, tt.from, tt.to)
		}
	}
}

func TestFilterForCategory_InvalidDecade(t *testing.T) {
	if _, err := FilterForCategory(core.Category{ID: "oldies", Type: core.CategoryDecade}); err == nil {
		t.Error("expected an error for a malformed decade")
	}
}

func TestFilterForCategory_Difficulty(t *testing.T) {
	tests := []struct {
		id       string
		min, max int
	}{
		{"easy", 60, 100},
		{"medium", 30, 59},
		{"hard", 0, 29},
	}

	for _, tt := range tests {
		filter, err := FilterForCategory(core.Category{ID: tt.id, Type: core.CategoryDifficulty})
		if err != nil {
			t.Fatalf("FilterForCategory(%s) error: %v", tt.id, err)
		}
		if filter.MinPopularity != tt.min || filter.MaxPopularity != tt.max {
			t.Errorf("FilterForCategory(%s) popularity = [%d, %d], expected [%d, %d]",
				tt.id, filter.MinPopularity, filter.MaxPopularity, tt.min, tt.max)
		}
		if !filter.HasPopularityBand() {
			t.Errorf("FilterForCategory(%s) should constrain popularity", tt.id)
		}
	}

	if _, err := FilterForCategory(core.Category{ID: "impossible", Type: core.CategoryDifficulty}); err == nil {
		t.Error("expected an error for an unknown difficulty")
	}
}
