// Package config holds the schema-validated kiosk configuration
// document. There is no long-lived in-memory authority: every access
// re-reads the file, and writes go through one lock-protected
// read-modify-write cycle. Descriptors in the Schema table drive all
// coercion and validation.
package config

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/stationboard/stationboard/internal/storage"
)

// Subscriber receives the full document and the set of keys that
// changed since the last notification.
type Subscriber func(doc map[string]any, changed []string)

// Store is the typed, validated, change-notifying configuration store.
type Store struct {
	file   *storage.Store
	fields map[string]Field

	mu          sync.Mutex
	snapshot    map[string]any // last-notified document
	subscribers []Subscriber
}

// NewStore returns a Store backed by the JSON document at path.
func NewStore(path string) *Store {
	s := &Store{
		file:   storage.New(path),
		fields: schemaIndex(),
	}
	s.mu.Lock()
	s.snapshot = s.document()
	s.mu.Unlock()
	return s
}

// Path returns the backing document path.
func (s *Store) Path() string {
	return s.file.Path()
}

// LastSaved reports when the document was last written.
func (s *Store) LastSaved() (time.Time, bool) {
	return s.file.Mtime()
}

// document loads the raw file and coerces every declared field,
// falling back to defaults for missing or invalid values. Unknown keys
// already on disk are preserved verbatim.
func (s *Store) document() map[string]any {
	raw := s.file.LoadRaw()
	doc := make(map[string]any, len(raw)+len(Schema))
	for key, value := range raw {
		doc[key] = value
	}
	for _, f := range Schema {
		value, present := raw[f.Key]
		if !present {
			doc[f.Key] = f.Default
			continue
		}
		coerced, err := f.coerce(value)
		if err != nil {
			slog.Warn("invalid stored config value, using default",
				"key", f.Key, "error", err)
			doc[f.Key] = f.Default
			continue
		}
		doc[f.Key] = coerced
	}
	return doc
}

// Document returns the full validated document.
func (s *Store) Document() map[string]any {
	return s.document()
}

// Get returns the validated value for key, or nil for undeclared keys.
func (s *Store) Get(key string) any {
	if _, ok := s.fields[key]; !ok {
		return nil
	}
	return s.document()[key]
}

// GetString returns the value for a string-typed key.
func (s *Store) GetString(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

// GetBool returns the value for a bool-typed key.
func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key).(bool)
	return v
}

// GetInt returns the value for an integer-typed key.
func (s *Store) GetInt(key string) int {
	v, _ := s.Get(key).(int)
	return v
}

// Set applies a single update. It reports whether the value was
// accepted and written; a rejected value leaves stored state untouched.
func (s *Store) Set(key string, value any) bool {
	_, changed := s.SetMany(map[string]any{key: value})
	if len(changed) > 0 {
		return true
	}
	// Accepted-but-unchanged still counts as applied.
	f, ok := s.fields[key]
	if !ok {
		return false
	}
	_, err := f.coerce(value)
	return err == nil
}

// SetMany applies a batch of updates in one lock-protected cycle.
// Per key: unknown keys are ignored, values that fail coercion or
// validation are dropped, and only keys whose value actually changed
// are written. It returns the resulting document and the changed keys.
func (s *Store) SetMany(updates map[string]any) (map[string]any, []string) {
	var changed []string

	err := s.file.Update(func(raw map[string]any) (map[string]any, error) {
		for key, value := range updates {
			f, ok := s.fields[key]
			if !ok {
				continue
			}
			coerced, err := f.coerce(value)
			if err != nil {
				slog.Warn("rejected config update", "key", key, "error", err)
				continue
			}
			current, present := raw[key]
			if present {
				if canonical, err := f.coerce(current); err == nil {
					current = canonical
				}
			} else {
				current = f.Default
			}
			if reflect.DeepEqual(current, coerced) {
				continue
			}
			raw[key] = coerced
			changed = append(changed, key)
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return raw, nil
	})
	if err != nil {
		slog.Error("config write failed, no changes applied", "error", err)
		return s.document(), nil
	}

	sort.Strings(changed)
	doc := s.document()
	if len(changed) > 0 {
		s.notify(doc)
	}
	return doc, changed
}

// Subscribe registers a change subscriber. Subscribers run after every
// write (and explicit Refresh) with the document and the diffed
// changed-key set; a panicking subscriber is isolated from the others
// and from the write itself.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Refresh re-reads the document and notifies subscribers of any drift
// from the last-notified snapshot. Used after external edits to the
// file (see Watch).
func (s *Store) Refresh() {
	s.notify(s.document())
}

func (s *Store) notify(doc map[string]any) {
	s.mu.Lock()
	var changed []string
	for key, value := range doc {
		if !reflect.DeepEqual(s.snapshot[key], value) {
			changed = append(changed, key)
		}
	}
	for key := range s.snapshot {
		if _, ok := doc[key]; !ok {
			changed = append(changed, key)
		}
	}
	s.snapshot = doc
	subscribers := make([]Subscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	for _, fn := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("config subscriber panicked", "panic", r)
				}
			}()
			fn(doc, changed)
		}()
	}
}
