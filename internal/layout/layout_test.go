package layout

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSpeciesDirName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Northern Cardinal", "Northern_Cardinal"},
		{"  American Robin ", "American_Robin"},
		{"Black-capped Chickadee", "Black-capped_Chickadee"},
		{"Steller's Jay", "Stellers_Jay"},
		{"../../etc", "etc"},
		{"", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SpeciesDirName(tt.in); got != tt.want {
				t.Errorf("SpeciesDirName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	l := New("/data/birds/")
	at := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	if got, want := l.Unidentified(at), filepath.Join("/data/birds", "2025-06-01", "unidentified"); got != want {
		t.Errorf("Unidentified = %q, want %q", got, want)
	}
	if got, want := l.SpeciesDay(at, "Blue Jay"), filepath.Join("/data/birds", "2025-06-01", "Blue_Jay"); got != want {
		t.Errorf("SpeciesDay = %q, want %q", got, want)
	}
	if got, want := l.Identified("Blue Jay"), filepath.Join("/data/birds", "IdentifiedSpecies", "Blue_Jay"); got != want {
		t.Errorf("Identified = %q, want %q", got, want)
	}
	if got, want := l.Exempt(), filepath.Join("/data/birds", "IdentifiedSpecies"); got != want {
		t.Errorf("Exempt = %q, want %q", got, want)
	}
}
