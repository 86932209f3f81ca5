// Package ledger persists identified species and sightings to a JSON file
// (species_database.json).
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultGalleryMax bounds photos kept per species; oldest are evicted.
	DefaultGalleryMax = 10
	// DefaultSightingsMax bounds the flat sighting history.
	DefaultSightingsMax = 1000
	// RareThreshold: a species with fewer prior sightings than this is rare.
	RareThreshold = 3

	dayFormat = "2006-01-02"
)

// Species is one entry of the species map, keyed by scientific name.
type Species struct {
	CommonName         string    `json:"common_name"`
	ScientificName     string    `json:"scientific_name"`
	ConservationStatus string    `json:"conservation_status"`
	Characteristics    []string  `json:"characteristics"`
	FunFacts           []string  `json:"fun_facts"`
	FirstSeen          time.Time `json:"first_seen"`
	SightingCount      int       `json:"sighting_count"`
	LastPhoto          string    `json:"last_photo"`
	PhotoGallery       []string  `json:"photo_gallery"`
}

// Sighting is one identification event.
type Sighting struct {
	Timestamp               time.Time `json:"timestamp"`
	Species                 string    `json:"species"`
	Confidence              float64   `json:"confidence"`
	ImagePath               string    `json:"image_path"`
	Behavior                string    `json:"behavior,omitempty"`
	CharacteristicsObserved []string  `json:"characteristics_observed"`
}

// Database is the on-disk document.
type Database struct {
	Species    map[string]*Species `json:"species"`
	Sightings  []Sighting          `json:"sightings"`
	DailyStats map[string]int      `json:"daily_stats"`
}

func emptyDatabase() Database {
	return Database{
		Species:    map[string]*Species{},
		Sightings:  []Sighting{},
		DailyStats: map[string]int{},
	}
}

// Observation is what a classifier reported for one photo.
type Observation struct {
	CommonName         string
	ScientificName     string
	Confidence         float64
	Characteristics    []string
	Behavior           string
	ConservationStatus string
	FunFact            string
}

// Key is the species key an observation is filed under.
func (o Observation) Key() string {
	if o.ScientificName == "" {
		return "unknown"
	}
	return o.ScientificName
}

// Ledger is safe for concurrent use. Every mutation is written through to
// disk before it returns.
type Ledger struct {
	path         string
	galleryMax   int
	sightingsMax int

	mu sync.Mutex
	db Database
}

// Open loads path, creating an empty ledger file if none exists. A file
// that cannot be parsed is moved aside to path+".corrupt" and replaced.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:         path,
		galleryMax:   DefaultGalleryMax,
		sightingsMax: DefaultSightingsMax,
		db:           emptyDatabase(),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := l.save(); err != nil {
			return nil, err
		}
		slog.Info("ledger: created species database", "path", path)
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}

	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		slog.Error("ledger: species database unreadable, starting fresh",
			"path", path,
			"error", err,
			"backup", path+".corrupt",
		)
		if err := os.Rename(path, path+".corrupt"); err != nil {
			return nil, fmt.Errorf("ledger: move corrupt database aside: %w", err)
		}
		if err := l.save(); err != nil {
			return nil, err
		}
		return l, nil
	}

	if db.Species == nil {
		db.Species = map[string]*Species{}
	}
	if db.Sightings == nil {
		db.Sightings = []Sighting{}
	}
	if db.DailyStats == nil {
		db.DailyStats = map[string]int{}
	}
	l.db = db

	slog.Info("ledger: loaded species database",
		"path", path,
		"species", len(db.Species),
		"sightings", len(db.Sightings),
	)
	return l, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// Record files a sighting of obs photographed at imagePath. It returns the
// updated species entry and how many times the species had been seen
// before this sighting.
func (l *Ledger) Record(obs Observation, imagePath string, at time.Time) (Species, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := obs.Key()
	sp, ok := l.db.Species[key]
	if !ok {
		sp = &Species{
			CommonName:         obs.CommonName,
			ScientificName:     obs.ScientificName,
			ConservationStatus: obs.ConservationStatus,
			Characteristics:    append([]string{}, obs.Characteristics...),
			FunFacts:           []string{},
			FirstSeen:          at,
			PhotoGallery:       []string{},
		}
		if obs.FunFact != "" {
			sp.FunFacts = append(sp.FunFacts, obs.FunFact)
		}
		l.db.Species[key] = sp
	}

	prior := sp.SightingCount
	sp.SightingCount++
	sp.LastPhoto = imagePath
	if !contains(sp.PhotoGallery, imagePath) {
		sp.PhotoGallery = append(sp.PhotoGallery, imagePath)
		if n := len(sp.PhotoGallery); n > l.galleryMax {
			sp.PhotoGallery = append([]string{}, sp.PhotoGallery[n-l.galleryMax:]...)
		}
	}

	l.db.Sightings = append(l.db.Sightings, Sighting{
		Timestamp:               at,
		Species:                 key,
		Confidence:              obs.Confidence,
		ImagePath:               imagePath,
		Behavior:                obs.Behavior,
		CharacteristicsObserved: append([]string{}, obs.Characteristics...),
	})
	if n := len(l.db.Sightings); n > l.sightingsMax {
		l.db.Sightings = append([]Sighting{}, l.db.Sightings[n-l.sightingsMax:]...)
	}

	if err := l.save(); err != nil {
		return Species{}, prior, err
	}
	return sp.clone(), prior, nil
}

// IncrementDaily counts one successful classifier call on at's day.
func (l *Ledger) IncrementDaily(at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db.DailyStats[at.Format(dayFormat)]++
	return l.save()
}

// DailyCount returns the classifier calls counted on at's day.
func (l *Ledger) DailyCount(at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.DailyStats[at.Format(dayFormat)]
}

// Species returns the entry for key.
func (l *Ledger) Species(key string) (Species, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sp, ok := l.db.Species[key]
	if !ok {
		return Species{}, false
	}
	return sp.clone(), true
}

// List returns every species, most sighted first.
func (l *Ledger) List() []Species {
	l.mu.Lock()
	out := make([]Species, 0, len(l.db.Species))
	for _, sp := range l.db.Species {
		out = append(out, sp.clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SightingCount != out[j].SightingCount {
			return out[i].SightingCount > out[j].SightingCount
		}
		return out[i].ScientificName < out[j].ScientificName
	})
	return out
}

// Sightings returns up to limit most recent sightings, newest first.
// limit <= 0 returns all of them.
func (l *Ledger) Sightings(limit int) []Sighting {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.db.Sightings)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Sighting, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.db.Sightings[i])
	}
	return out
}

// IsRare reports whether key has fewer than RareThreshold sightings.
func (l *Ledger) IsRare(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sp, ok := l.db.Species[key]
	return !ok || sp.SightingCount < RareThreshold
}

// SpeciesCount pairs a species key with its sighting count.
type SpeciesCount struct {
	Species string `json:"species"`
	Count   int    `json:"count"`
}

// Stats summarizes species diversity.
type Stats struct {
	TotalSpecies   int           `json:"total_species"`
	TotalSightings int           `json:"total_sightings"`
	Rarest         *SpeciesCount `json:"rarest_species"`
	MostCommon     *SpeciesCount `json:"most_common"`
}

// Stats returns diversity statistics. Ties are broken by key.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{TotalSpecies: len(l.db.Species), TotalSightings: len(l.db.Sightings)}
	if len(l.db.Species) == 0 {
		return s
	}

	counts := make([]SpeciesCount, 0, len(l.db.Species))
	for k, sp := range l.db.Species {
		counts = append(counts, SpeciesCount{Species: k, Count: sp.SightingCount})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count < counts[j].Count
		}
		return counts[i].Species < counts[j].Species
	})

	rarest, common := counts[0], counts[len(counts)-1]
	s.Rarest, s.MostCommon = &rarest, &common
	return s
}

// Clear wipes species, sightings and daily stats.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = emptyDatabase()
	slog.Info("ledger: species database cleared", "path", l.path)
	return l.save()
}

// save writes the document atomically. Callers hold mu.
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.db, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".species-*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("ledger: publish: %w", err)
	}
	return nil
}

func (s *Species) clone() Species {
	c := *s
	c.Characteristics = append([]string{}, s.Characteristics...)
	c.FunFacts = append([]string{}, s.FunFacts...)
	c.PhotoGallery = append([]string{}, s.PhotoGallery...)
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
