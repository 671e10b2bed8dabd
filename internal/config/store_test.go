package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "config.json"))
}

func TestDefaultsWithoutFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	assert.Equal(t, "Next trains", s.GetString("title_text"))
	assert.Equal(t, 30, s.GetInt("refresh_rate_seconds"))
	assert.Equal(t, 300, s.GetInt("update_check_interval_seconds"))
	assert.Equal(t, "12:00 AM", s.GetString("reboot_time"))
	assert.True(t, s.GetBool("show_clock"))
	assert.False(t, s.GetBool("reboot_enabled"))
	assert.Nil(t, s.Get("no_such_key"))
}

func TestSetAcceptedValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		key   string
		value any
		want  any
	}{
		{name: "string trimmed", key: "selected_station", value: "  40380  ", want: "40380"},
		{name: "bool from string", key: "show_countdown", value: "false", want: false},
		{name: "int from json float", key: "refresh_rate_seconds", value: float64(60), want: 60},
		{name: "int from string", key: "screen_sleep_minutes", value: "15", want: 15},
		{name: "reboot time normalized", key: "reboot_time", value: " 3:05 pm ", want: "3:05 PM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			require.True(t, s.Set(tt.key, tt.value))
			assert.Equal(t, tt.want, s.Get(tt.key))
		})
	}
}

func TestSetRejectedValuesLeaveStateUnchanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "refresh rate below range", key: "refresh_rate_seconds", value: 2},
		{name: "refresh rate above range", key: "refresh_rate_seconds", value: 9999},
		{name: "refresh rate not a number", key: "refresh_rate_seconds", value: "soon"},
		{name: "bad reboot time", key: "reboot_time", value: "25:99"},
		{name: "bool gibberish", key: "show_clock", value: "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			before := s.Get(tt.key)
			assert.False(t, s.Set(tt.key, tt.value))
			assert.Equal(t, before, s.Get(tt.key))
		})
	}
}

func TestSetUnknownKeyIgnored(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	assert.False(t, s.Set("favorite_color", "teal"))
	assert.Nil(t, s.Get("favorite_color"))
}

func TestSetAcceptedButUnchanged(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.True(t, s.Set("refresh_rate_seconds", 45))
	assert.True(t, s.Set("refresh_rate_seconds", 45), "writing the current value is still accepted")
}

func TestSetManyPartialAcceptance(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	doc, changed := s.SetMany(map[string]any{
		"title_text":           "Departures",
		"refresh_rate_seconds": 1, // out of range, dropped
		"unknown_key":          "ignored",
		"show_clock":           false,
	})

	assert.Equal(t, []string{"show_clock", "title_text"}, changed)
	assert.Equal(t, "Departures", doc["title_text"])
	assert.Equal(t, 30, doc["refresh_rate_seconds"], "rejected key keeps its prior value")
	assert.NotContains(t, doc, "unknown_key")
}

func TestUnknownKeysOnDiskPreserved(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	seed := map[string]any{
		"title_text":     "Arrivals",
		"legacy_setting": "keep me",
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	s := NewStore(path)
	assert.Equal(t, "keep me", s.Document()["legacy_setting"])

	s.Set("title_text", "Departures")

	raw := map[string]any{}
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "keep me", raw["legacy_setting"], "writes never strip unknown keys")
	assert.Equal(t, "Departures", raw["title_text"])
}

func TestInvalidStoredValueFallsBackToDefault(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(map[string]any{"refresh_rate_seconds": "not a number"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	s := NewStore(path)
	assert.Equal(t, 30, s.GetInt("refresh_rate_seconds"))
}

func TestSubscriberNotifiedWithChangedKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	type event struct {
		doc     map[string]any
		changed []string
	}
	events := make(chan event, 4)
	s.Subscribe(func(doc map[string]any, changed []string) {
		events <- event{doc: doc, changed: changed}
	})

	s.SetMany(map[string]any{"title_text": "Departures", "show_clock": false})

	select {
	case e := <-events:
		assert.Equal(t, []string{"show_clock", "title_text"}, e.changed)
		assert.Equal(t, "Departures", e.doc["title_text"])
	default:
		t.Fatal("subscriber was not notified")
	}

	// A write that changes nothing produces no notification.
	s.SetMany(map[string]any{"title_text": "Departures"})
	select {
	case e := <-events:
		t.Fatalf("unexpected notification for unchanged write: %v", e.changed)
	default:
	}
}

func TestSubscriberPanicIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	s.Subscribe(func(map[string]any, []string) {
		panic("subscriber bug")
	})
	notified := false
	s.Subscribe(func(map[string]any, []string) {
		notified = true
	})

	s.Set("title_text", "Departures")
	assert.True(t, notified, "panicking subscriber must not starve the rest")
	assert.Equal(t, "Departures", s.GetString("title_text"), "write survives subscriber panic")
}

func TestRefreshPicksUpExternalEdit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.True(t, s.Set("title_text", "Departures"))

	var gotChanged []string
	s.Subscribe(func(_ map[string]any, changed []string) {
		gotChanged = changed
	})

	// Simulate another process rewriting the file.
	data, err := json.Marshal(map[string]any{"title_text": "Arrivals"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0600))

	s.Refresh()
	assert.Contains(t, gotChanged, "title_text")
	assert.Equal(t, "Arrivals", s.GetString("title_text"))
}
