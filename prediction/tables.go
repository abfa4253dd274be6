package prediction

// Historical hourly density patterns, indexed by hour of day.
var (
	weekdayPattern = [24]float64{
		0.3, 0.2, 0.15, 0.15, 0.3, 0.6, 0.85, 1.0, 0.8, 0.7, 0.7, 0.75,
		0.8, 0.75, 0.7, 0.75, 0.9, 1.0, 0.9, 0.7, 0.5, 0.4, 0.35, 0.3,
	}
	weekendPattern = [24]float64{
		0.2, 0.15, 0.1, 0.1, 0.15, 0.25, 0.4, 0.55, 0.65, 0.7, 0.75, 0.8,
		0.85, 0.8, 0.75, 0.75, 0.7, 0.7, 0.65, 0.6, 0.5, 0.4, 0.3, 0.25,
	}
)

// timeMultipliers weights each hour for rush-hour intensity.
var timeMultipliers = map[int]float64{
	0: 0.2, 1: 0.15, 2: 0.1, 3: 0.1, 4: 0.15, 5: 0.4,
	6: 0.7, 7: 0.9, 8: 1.0, 9: 0.85, 10: 0.7, 11: 0.75,
	12: 0.8, 13: 0.75, 14: 0.7, 15: 0.75, 16: 0.85,
	17: 1.0, 18: 0.95, 19: 0.8, 20: 0.6, 21: 0.5,
	22: 0.4, 23: 0.3,
}

var locationMultipliers = map[LocationType]float64{
	LocationUrbanCenter: 1.5,
	LocationResidential: 0.8,
	LocationHighway:     1.2,
	LocationIndustrial:  1.0,
	LocationRural:       0.4,
}
