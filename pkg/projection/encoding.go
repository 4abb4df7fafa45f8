package projection

import "encoding/json"

// encodeStrings stores a string slice as a JSON column. Empty slices store
// as NULL-equivalent empty strings so scans stay simple.
func encodeStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(data)
}
