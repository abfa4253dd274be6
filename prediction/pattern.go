package prediction

import (
	"iter"
	"time"
)

// MaxPatternHours caps the length of a pattern (one week).
const MaxPatternHours = 168

// clampHours bounds a requested pattern length to [0, MaxPatternHours].
func clampHours(hoursAhead int) int {
	return min(max(hoursAhead, 0), MaxPatternHours)
}

// PredictPattern predicts the next hoursAhead hours starting at the current
// wall-clock hour. hoursAhead is clamped to [0, MaxPatternHours]. forecast[i]
// is the weather for hour offset i; offsets past the end of forecast are
// predicted without a weather factor.
func (p *Predictor) PredictPattern(lat, lng float64, hoursAhead int, forecast []Weather) []Result {
	hoursAhead = clampHours(hoursAhead)
	out := make([]Result, 0, hoursAhead)
	for r := range p.PatternSeq(lat, lng, hoursAhead, forecast) {
		out = append(out, r)
	}
	return out
}

// PatternSeq yields the same sequence as PredictPattern lazily. The start
// time is fixed on the first iteration; the sequence can be consumed once.
func (p *Predictor) PatternSeq(lat, lng float64, hoursAhead int, forecast []Weather) iter.Seq[Result] {
	hoursAhead = clampHours(hoursAhead)
	used := false
	return func(yield func(Result) bool) {
		if used {
			return
		}
		used = true

		start := p.clock()
		for offset := 0; offset < hoursAhead; offset++ {
			at := start.Add(time.Duration(offset) * time.Hour)

			var weather *Weather
			if offset < len(forecast) {
				w := forecast[offset]
				weather = &w
			}

			r := p.PredictDensity(lat, lng, at.Hour(), Weekday(at), weather)
			r.Timestamp = at
			if !yield(r) {
				return
			}
		}
	}
}

// Weekday returns the day of week of t with Monday = 0.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
