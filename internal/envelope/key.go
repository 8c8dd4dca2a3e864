package envelope

import (
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// RecordKey extracts the record identity from a payload's "id" field.
//
// String ids are NFC-normalized so that visually identical ids produced by
// different clients address the same record. Numeric ids are rendered in
// their shortest decimal form, so 1, int64(1) and float64(1) all map to "1"
// regardless of which codec decoded them.
func RecordKey(data any) (string, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	switch id := obj["id"].(type) {
	case string:
		if id == "" {
			return "", false
		}
		return normalizeKey(id), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32), true
	case int:
		return strconv.FormatInt(int64(id), 10), true
	case int8:
		return strconv.FormatInt(int64(id), 10), true
	case int16:
		return strconv.FormatInt(int64(id), 10), true
	case int32:
		return strconv.FormatInt(int64(id), 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case uint8:
		return strconv.FormatUint(uint64(id), 10), true
	case uint16:
		return strconv.FormatUint(uint64(id), 10), true
	case uint32:
		return strconv.FormatUint(uint64(id), 10), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	default:
		return "", false
	}
}

func normalizeKey(s string) string {
	return norm.NFC.String(s)
}
