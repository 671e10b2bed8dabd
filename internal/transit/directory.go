// Package transit is the boundary to the transit-schedule domain. The
// settings API needs lines, stations, and directions to populate its
// pickers; where that data comes from (live API, cache) is a concern of
// the implementation injected at startup.
package transit

import "context"

// Line is one transit line.
type Line struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Station is one stop on a line.
type Station struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Direction groups arrivals by destination.
type Direction struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// Directory supplies the pickers on the settings page.
type Directory interface {
	Lines(ctx context.Context) ([]Line, error)
	Stations(ctx context.Context, lineCode string) ([]Station, error)
	Directions(ctx context.Context, stationCode string) ([]Direction, error)
}

// EmptyDirectory is the placeholder used when no transit backend is
// configured; the settings UI degrades to free-form entry.
type EmptyDirectory struct{}

// Lines returns no lines.
func (EmptyDirectory) Lines(context.Context) ([]Line, error) { return nil, nil }

// Stations returns no stations.
func (EmptyDirectory) Stations(context.Context, string) ([]Station, error) { return nil, nil }

// Directions returns no directions.
func (EmptyDirectory) Directions(context.Context, string) ([]Direction, error) { return nil, nil }
