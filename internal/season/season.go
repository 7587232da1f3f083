// Package season derives the ladder season from a match timestamp.
// Seasons roll over monthly; season 1 began January 2014.
package season

import "time"

var epoch = time.Date(2014, time.January, 1, 0, 0, 0, 0, time.UTC)

// Guess returns the ladder season containing the given timestamp.
// Used when the uploader did not declare a season in ranked stats.
func Guess(t time.Time) int {
	t = t.UTC()
	if t.Before(epoch) {
		return 0
	}
	years := t.Year() - epoch.Year()
	months := int(t.Month()) - int(epoch.Month())
	return years*12 + months + 1
}
