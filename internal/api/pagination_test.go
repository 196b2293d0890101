package api

import (
	"net/http/httptest"
	"testing"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantPage    int
		wantPerPage int
	}{
		{"defaults", "/api/patterns", 1, 50},
		{"explicit", "/api/patterns?page=3&per_page=25", 3, 25},
		{"capped per_page", "/api/patterns?per_page=9999", 1, 200},
		{"negative page ignored", "/api/patterns?page=-2", 1, 50},
		{"zero per_page ignored", "/api/patterns?per_page=0", 1, 50},
		{"non-numeric ignored", "/api/patterns?page=abc&per_page=xyz", 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			p := ParsePagination(r)
			if p.Page != tt.wantPage {
				t.Errorf("page = %d, want %d", p.Page, tt.wantPage)
			}
			if p.PerPage != tt.wantPerPage {
				t.Errorf("per_page = %d, want %d", p.PerPage, tt.wantPerPage)
			}
		})
	}
}

func TestPaginationOffset(t *testing.T) {
	p := PaginationParams{Page: 3, PerPage: 25}
	if got := p.Offset(); got != 50 {
		t.Errorf("offset = %d, want 50", got)
	}
}

func TestPaginationTotalPages(t *testing.T) {
	tests := []struct {
		perPage int
		total   int64
		want    int
	}{
		{50, 0, 0},
		{50, 50, 1},
		{50, 51, 2},
		{25, 100, 4},
		{0, 100, 0},
	}

	for _, tt := range tests {
		p := PaginationParams{Page: 1, PerPage: tt.perPage}
		if got := p.TotalPages(tt.total); got != tt.want {
			t.Errorf("TotalPages(%d) with per_page=%d = %d, want %d", tt.total, tt.perPage, got, tt.want)
		}
	}
}

func TestNewPaginated(t *testing.T) {
	items := []string{"a", "b"}
	p := PaginationParams{Page: 2, PerPage: 2}

	env := NewPaginated(items, p, 5)
	if env.Page != 2 || env.PerPage != 2 {
		t.Errorf("unexpected page fields: %+v", env)
	}
	if env.Total != 5 {
		t.Errorf("total = %d, want 5", env.Total)
	}
	if env.TotalPages != 3 {
		t.Errorf("total_pages = %d, want 3", env.TotalPages)
	}
}
