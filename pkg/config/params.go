package config

import "math"

// Float returns params[key] when present and finite, else defaultVal.
func Float(params map[string]float64, key string, defaultVal float64) float64 {
	if v, ok := params[key]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	return defaultVal
}

// Int returns params[key] rounded to the nearest integer when present, else
// defaultVal.
func Int(params map[string]float64, key string, defaultVal int) int {
	if v, ok := params[key]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return int(math.Round(v))
	}
	return defaultVal
}
