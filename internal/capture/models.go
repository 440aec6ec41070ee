package capture

import (
	"strings"
	"time"
)

// Status represents the transmission lifecycle of a capture record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

var allStatuses = []Status{
	StatusPending,
	StatusInFlight,
	StatusSucceeded,
	StatusFailedRetryable,
	StatusFailedTerminal,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsResolved reports whether a status is one the engine will never act on again.
func (s Status) IsResolved() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal
}

// Category is the semantic tag assigned to a capture at intake.
type Category string

const (
	CategoryBefore Category = "before"
	CategoryDuring Category = "during"
	CategoryAfter  Category = "after"
	CategoryDetail Category = "detail"
)

var allCategories = []Category{CategoryBefore, CategoryDuring, CategoryAfter, CategoryDetail}

var categorySet = func() map[Category]struct{} {
	set := make(map[Category]struct{}, len(allCategories))
	for _, category := range allCategories {
		set[category] = struct{}{}
	}
	return set
}()

// AllCategories returns the ordered list of known categories.
func AllCategories() []Category {
	cp := make([]Category, len(allCategories))
	copy(cp, allCategories)
	return cp
}

// ParseCategory converts a string into a known Category.
func ParseCategory(value string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := categorySet[normalized]
	return normalized, ok
}

// Geolocation is an optional capture coordinate pair.
type Geolocation struct {
	Latitude  float64
	Longitude float64
}

// Record represents one photograph capture persisted in SQLite.
type Record struct {
	ClientID       string
	Category       Category
	CapturedAt     time.Time
	Geolocation    *Geolocation
	PayloadRef     string
	PayloadSHA256  string
	Status         Status
	AttemptCount   int
	NextEligibleAt *time.Time
	ServerRef      string
	LastError      string
	Quarantined    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Summary is the read-only projection surfaced to status consumers.
type Summary struct {
	Pending         int
	InFlight        int
	Succeeded       int
	FailedRetryable int
	FailedTerminal  int
	Quarantined     int
	OldestPendingAt *time.Time
}

// Total returns the number of records across all statuses.
func (s Summary) Total() int {
	return s.Pending + s.InFlight + s.Succeeded + s.FailedRetryable + s.FailedTerminal + s.Quarantined
}

// Unresolved returns the count of records still owed to the backing service.
func (s Summary) Unresolved() int {
	return s.Pending + s.InFlight + s.FailedRetryable
}
