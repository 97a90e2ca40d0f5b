package optimizer

// Parameters maps hold native Go numbers when captured in memory and float64
// after a JSON round trip, so the extractors accept both.

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		if val < 0 {
			return defaultValue
		}
		return uint64(val)
	case uint64:
		return val
	case int:
		if val < 0 {
			return defaultValue
		}
		return uint64(val)
	}
	return defaultValue
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
