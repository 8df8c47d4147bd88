package player

import (
	"fmt"
	"strconv"
	"strings"

	"songbattle/internal/core"
)

// popularKey is the cache key for the generic popular-track pool used when
// no categories are selected or as the alternate source after a miss.
const popularKey = "popular"

// Popularity bands per difficulty. Easy songs are the well-known ones.
const (
	easyMinPopularity   = 60
	easyMaxPopularity   = 100
	mediumMinPopularity = 30
	mediumMaxPopularity = 59
	hardMinPopularity   = 0
	hardMaxPopularity   = 29
)

// decadeSpan is the inclusive year range covered by a decade category.
const decadeSpan = 9

// Genres is the fixed genre catalog offered for round selection.
var Genres = []core.Category{
	{ID: "pop", Name: "Pop", Type: core.CategoryGenre},
	{ID: "rock", Name: "Rock", Type: core.CategoryGenre},
	{ID: "hiphop", Name: "Hip Hop", Type: core.CategoryGenre},
	{ID: "r&b", Name: "R&B", Type: core.CategoryGenre},
	{ID: "country", Name: "Country", Type: core.CategoryGenre},
	{ID: "electronic", Name: "Electronic", Type: core.CategoryGenre},
	{ID: "jazz", Name: "Jazz", Type: core.CategoryGenre},
	{ID: "classical", Name: "Classical", Type: core.CategoryGenre},
	{ID: "indie", Name: "Indie", Type: core.CategoryGenre},
	{ID: "metal", Name: "Metal", Type: core.CategoryGenre},
}

// Decades is the fixed decade catalog, newest first.
var Decades = []core.Category{
	{ID: "2020s", Name: "2020s", Type: core.CategoryDecade},
	{ID: "2010s", Name: "2010s", Type: core.CategoryDecade},
	{ID: "2000s", Name: "2000s", Type: core.CategoryDecade},
	{ID: "1990s", Name: "1990s", Type: core.CategoryDecade},
	{ID: "1980s", Name: "1980s", Type: core.CategoryDecade},
	{ID: "1970s", Name: "1970s", Type: core.CategoryDecade},
	{ID: "1960s", Name: "1960s", Type: core.CategoryDecade},
	{ID: "1950s", Name: "1950s", Type: core.CategoryDecade},
}

// Difficulties maps the quiz difficulty levels onto popularity bands.
var Difficulties = []core.Category{
	{ID: "easy", Name: "Easy", Type: core.CategoryDifficulty},
	{ID: "medium", Name: "Medium", Type: core.CategoryDifficulty},
	{ID: "hard", Name: "Hard", Type: core.CategoryDifficulty},
}

// AllCategories returns the full selectable catalog.
func AllCategories() []core.Category {
	all := make([]core.Category, 0, len(Genres)+len(Decades)+len(Difficulties))
	all = append(all, Genres...)
	all = append(all, Decades...)
	all = append(all, Difficulties...)
	return all
}

// CategoryByID resolves a category key against the catalog.
func CategoryByID(id string) (core.Category, bool) {
	for _, c := range AllCategories() {
		if c.ID == id {
			return c, true
		}
	}
	return core.Category{}, false
}

// FilterForCategory translates a category into the search filter contract:
// genres become a genre term, a decade like "1990s" becomes the inclusive
// year range [1990, 1999], and difficulty becomes a popularity band.
func FilterForCategory(c core.Category) (core.SearchFilter, error) {
	switch c.Type {
	case core.CategoryGenre:
		return core.SearchFilter{Genre: c.ID}, nil

	case core.CategoryDecade:
		year, err := decadeStartYear(c.ID)
		if err != nil {
			return core.SearchFilter{}, err
		}
		return core.SearchFilter{YearFrom: year, YearTo: year + decadeSpan}, nil

	case core.CategoryDifficulty:
		switch c.ID {
		case "easy":
			return core.SearchFilter{MinPopularity: easyMinPopularity, MaxPopularity: easyMaxPopularity}, nil
		case "medium":
			return core.SearchFilter{MinPopularity: mediumMinPopularity, MaxPopularity: mediumMaxPopularity}, nil
		case "hard":
			return core.SearchFilter{MinPopularity: hardMinPopularity, MaxPopularity: hardMaxPopularity}, nil
		default:
			return core.SearchFilter{}, fmt.Errorf("unknown difficulty: %s", c.ID)
		}

	default:
		return core.SearchFilter{}, fmt.Errorf("unknown category type: %d", c.Type)
	}
}

func decadeStartYear(id string) (int, error) {
	year, err := strconv.Atoi(strings.TrimSuffix(id, "s"))
	if err != nil {
		return 0, fmt.Errorf("invalid decade %q: %w", id, err)
	}
	return year, nil
}
