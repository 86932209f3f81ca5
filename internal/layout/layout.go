// Package layout names the directories captures live in.
//
//	root/YYYY-MM-DD/unidentified/motion_<unix>.jpeg
//	root/YYYY-MM-DD/<Species_Name>/...
//	root/IdentifiedSpecies/<Species_Name>/...
//
// IdentifiedSpecies is the permanent collection; retention never touches it.
package layout

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// IdentifiedDir is the permanent species collection under the root.
	IdentifiedDir = "IdentifiedSpecies"
	// UnidentifiedDir holds stills that have not been classified yet.
	UnidentifiedDir = "unidentified"
	// DateFormat is the per-day directory name.
	DateFormat = "2006-01-02"
)

// Layout resolves capture paths under one storage root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// DateDir is root/YYYY-MM-DD for t.
func (l Layout) DateDir(t time.Time) string {
	return filepath.Join(l.Root, t.Format(DateFormat))
}

// Unidentified is the directory a new still for t is written to.
func (l Layout) Unidentified(t time.Time) string {
	return filepath.Join(l.DateDir(t), UnidentifiedDir)
}

// SpeciesDay is root/YYYY-MM-DD/<Species_Name>.
func (l Layout) SpeciesDay(t time.Time, species string) string {
	return filepath.Join(l.DateDir(t), SpeciesDirName(species))
}

// Identified is root/IdentifiedSpecies/<Species_Name>.
func (l Layout) Identified(species string) string {
	return filepath.Join(l.Root, IdentifiedDir, SpeciesDirName(species))
}

// Exempt is the absolute path retention must skip.
func (l Layout) Exempt() string {
	return filepath.Join(l.Root, IdentifiedDir)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// SpeciesDirName turns "Northern Cardinal" into "Northern_Cardinal".
func SpeciesDirName(species string) string {
	s := strings.TrimSpace(species)
	s = strings.ReplaceAll(s, " ", "_")
	s = unsafeChars.ReplaceAllString(s, "")
	if s == "" {
		return "Unknown"
	}
	return s
}
