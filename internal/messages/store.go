// Package messages persists the kiosk's overlay message configuration:
// the message list and the timing rules for when messages appear.
// Triggered one-off messages travel through the coordinator's mailbox,
// not this store.
package messages

import (
	"time"

	"github.com/stationboard/stationboard/internal/storage"
)

// Document is the full message configuration.
type Document struct {
	Messages                  []string `json:"messages"`
	TimingMode                string   `json:"timing_mode"`
	PeriodicIntervalMinutes   int      `json:"periodic_interval_minutes"`
	PeriodicWindowEnabled     bool     `json:"periodic_time_window_enabled"`
	PeriodicWindowStart       string   `json:"periodic_window_start"`
	PeriodicWindowEnd         string   `json:"periodic_window_end"`
	RandomMinMinutes          int      `json:"random_min_minutes"`
	RandomMaxMinutes          int      `json:"random_max_minutes"`
	RandomWindowEnabled       bool     `json:"random_time_window_enabled"`
	RandomWindowStart         string   `json:"random_window_start"`
	RandomWindowEnd           string   `json:"random_window_end"`
	DisplayDurationSeconds    int      `json:"display_duration_seconds"`
	FadeDurationMillis        int      `json:"fade_duration_ms"`
}

// Defaults returns the configuration a fresh kiosk starts with.
func Defaults() Document {
	return Document{
		Messages:                []string{"Have a great day!", "Love you!"},
		TimingMode:              "periodic",
		PeriodicIntervalMinutes: 30,
		PeriodicWindowStart:     "09:00",
		PeriodicWindowEnd:       "17:00",
		RandomMinMinutes:        15,
		RandomMaxMinutes:        60,
		RandomWindowStart:       "09:00",
		RandomWindowEnd:         "17:00",
		DisplayDurationSeconds:  5,
		FadeDurationMillis:      800,
	}
}

// Store persists the message document.
type Store struct {
	file *storage.Store
}

// NewStore returns a Store backed by the JSON document at path.
func NewStore(path string) *Store {
	return &Store{file: storage.New(path)}
}

// Load reads the document, filling any missing values with defaults.
// Decoding into a defaults-initialized document means keys absent from
// disk keep their default values in one read.
func (s *Store) Load() Document {
	doc := Defaults()
	_ = s.file.Load(&doc)
	if doc.Messages == nil {
		doc.Messages = Defaults().Messages
	}
	return doc
}

// Save atomically replaces the document under the file lock.
func (s *Store) Save(doc Document) error {
	return s.file.WithLock(func() error {
		return s.file.Save(doc)
	})
}

// Mtime reports when the document was last saved.
func (s *Store) Mtime() (time.Time, bool) {
	return s.file.Mtime()
}
