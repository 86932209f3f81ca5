package identify

import (
	"fmt"
	"time"
)

// Verdict is the coarse outcome of a submission.
type Verdict int

const (
	// NotABird: the classifier found no bird. The caller deletes the file.
	NotABird Verdict = iota
	// Identified: a species was named and the ledger updated.
	Identified
	// RateLimited: no call was made. The still stays where it is.
	RateLimited
)

func (v Verdict) String() string {
	switch v {
	case NotABird:
		return "not_a_bird"
	case Identified:
		return "identified"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Result is the classifier's raw answer. Field names follow the JSON the
// model is asked to produce.
type Result struct {
	Identified         bool     `json:"identified"`
	CommonName         string   `json:"species_common"`
	ScientificName     string   `json:"species_scientific"`
	Confidence         float64  `json:"confidence"`
	Characteristics    []string `json:"characteristics"`
	Behavior           string   `json:"behavior"`
	ConservationStatus string   `json:"conservation_status"`
	FunFact            string   `json:"fun_fact"`
}

// Identification is a named bird, as filed in the ledger.
type Identification struct {
	CommonName         string    `json:"common_name"`
	ScientificName     string    `json:"scientific_name"`
	Confidence         float64   `json:"confidence"`
	Characteristics    []string  `json:"characteristics"`
	Behavior           string    `json:"behavior,omitempty"`
	ConservationStatus string    `json:"conservation_status,omitempty"`
	FunFact            string    `json:"fun_fact,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	// Rare is set when the species had fewer than 3 prior sightings.
	Rare bool `json:"rare"`
	// Sightings is the species count including this one.
	Sightings int `json:"sightings"`
}

// Outcome is what Submit reports.
type Outcome struct {
	Verdict        Verdict
	Identification Identification
	// Path is where the still lives after the submission. It differs from
	// the submitted path when a Relocate hook moved it.
	Path string
	// Wait is how long until the next call is allowed (RateLimited only).
	Wait time.Duration
}

// RateLimitState is a snapshot of the call gate.
type RateLimitState struct {
	LastCall    time.Time
	MinInterval time.Duration
	CallsInHour int
	MaxPerHour  int
}

// ErrorKind classifies classifier failures.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindQuota           ErrorKind = "quota"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindTransport       ErrorKind = "transport"
)

// ClassificationError is returned when the classifier call itself fails.
// Submissions that fail this way are not retried.
type ClassificationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("identify: classification failed [%s]: %s", e.Kind, e.Message)
}

func (e *ClassificationError) Unwrap() error { return e.Err }
