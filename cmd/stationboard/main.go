// Stationboard is the kiosk status display server: the HTTP settings
// surface, persisted document stores, and git self-update machinery
// behind a transit departure board.
package main

import (
	"os"

	"github.com/stationboard/stationboard/cmd/stationboard/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
