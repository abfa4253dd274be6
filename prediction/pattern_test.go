package prediction

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPredictPattern_HoursAheadAndSpacing(t *testing.T) {
	// Monday 22:30.
	start := time.Date(2025, 3, 3, 22, 30, 0, 0, time.UTC)
	p := New(WithClock(fixedClock(start)))

	results := p.PredictPattern(40.7, -74, 24, nil)
	require.Len(t, results, 24)

	for i, r := range results {
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), r.Timestamp)
		if i > 0 {
			assert.Equal(t, time.Hour, r.Timestamp.Sub(results[i-1].Timestamp))
		}
	}
}

func TestPredictPattern_MatchesPointPredictions(t *testing.T) {
	// Friday 23:00, so offset 1 lands on Saturday midnight.
	start := time.Date(2025, 3, 7, 23, 0, 0, 0, time.UTC)
	p := New(WithClock(fixedClock(start)))

	results := p.PredictPattern(0, 0, 2, nil)
	require.Len(t, results, 2)

	friday := p.PredictDensity(0, 0, 23, 4, nil)
	saturday := p.PredictDensity(0, 0, 0, 5, nil)

	assert.Equal(t, friday.Density, results[0].Density)
	assert.False(t, results[0].Factors.IsWeekend)
	assert.Equal(t, saturday.Density, results[1].Density)
	assert.True(t, results[1].Factors.IsWeekend)
}

func TestPredictPattern_ShortForecastOmitsWeather(t *testing.T) {
	start := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	p := New(WithClock(fixedClock(start)))

	forecast := []Weather{
		{Temperature: -5, Humidity: 50, Visibility: 10},
		{Temperature: 20, Humidity: 90, Visibility: 10},
	}
	results := p.PredictPattern(70, 0, 4, forecast)
	require.Len(t, results, 4)

	assert.InDelta(t, 1.3, results[0].Factors.WeatherMultiplier, 0.001)
	assert.InDelta(t, 1.1, results[1].Factors.WeatherMultiplier, 0.001)
	assert.InDelta(t, 1.0, results[2].Factors.WeatherMultiplier, 0.001)
	assert.InDelta(t, 1.0, results[3].Factors.WeatherMultiplier, 0.001)

	// Hours with weather input carry the higher confidence.
	assert.Greater(t, results[0].Confidence, results[2].Confidence)
}

func TestPredictPattern_NonPositiveHours(t *testing.T) {
	p := New()
	assert.Empty(t, p.PredictPattern(40, 0, 0, nil))
	assert.Empty(t, p.PredictPattern(40, 0, -3, nil))
}

func TestPredictPattern_ClampsHoursAhead(t *testing.T) {
	start := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	p := New(WithClock(fixedClock(start)))

	results := p.PredictPattern(40, -74, math.MaxInt, nil)
	require.Len(t, results, MaxPatternHours)
	assert.Equal(t, start.Add(time.Duration(MaxPatternHours-1)*time.Hour), results[MaxPatternHours-1].Timestamp)

	n := 0
	for range p.PatternSeq(40, -74, 1<<40, nil) {
		n++
	}
	assert.Equal(t, MaxPatternHours, n)
}

func TestPatternSeq_SingleUse(t *testing.T) {
	start := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	p := New(WithClock(fixedClock(start)))

	seq := p.PatternSeq(40, 0, 5, nil)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}

	assert.Equal(t, 5, first)
	assert.Equal(t, 0, second)
}

func TestPatternSeq_EarlyStop(t *testing.T) {
	p := New()

	n := 0
	for range p.PatternSeq(40, 0, 24, nil) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}
