package persist

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FieldEquals matches documents whose string field at path equals want.
func FieldEquals(path, want string) Predicate {
	return func(_ string, value []byte) bool {
		r := gjson.GetBytes(value, path)
		return r.Exists() && r.String() == want
	}
}

// FieldEqualFold is FieldEquals with case-insensitive comparison.
func FieldEqualFold(path, want string) Predicate {
	return func(_ string, value []byte) bool {
		r := gjson.GetBytes(value, path)
		return r.Exists() && strings.EqualFold(r.String(), want)
	}
}

// FieldTrue matches documents whose boolean field at path is true.
func FieldTrue(path string) Predicate {
	return func(_ string, value []byte) bool {
		return gjson.GetBytes(value, path).Bool()
	}
}

// TimeBefore matches documents whose RFC 3339 timestamp at path is earlier
// than t. Documents without the field never match.
func TimeBefore(path string, t time.Time) Predicate {
	return func(_ string, value []byte) bool {
		r := gjson.GetBytes(value, path)
		if !r.Exists() || r.Type == gjson.Null {
			return false
		}
		return r.Time().Before(t)
	}
}

// TimeAfter matches documents whose timestamp at path is later than t.
func TimeAfter(path string, t time.Time) Predicate {
	return func(_ string, value []byte) bool {
		r := gjson.GetBytes(value, path)
		if !r.Exists() || r.Type == gjson.Null {
			return false
		}
		return r.Time().After(t)
	}
}

// All matches when every non-nil predicate matches.
func All(preds ...Predicate) Predicate {
	return func(key string, value []byte) bool {
		for _, p := range preds {
			if p != nil && !p(key, value) {
				return false
			}
		}
		return true
	}
}

// SetField returns a copy of doc with the field at path replaced by v.
func SetField(doc []byte, path string, v any) ([]byte, error) {
	return sjson.SetBytes(clone(doc), path, v)
}

// Field returns the string value at path, or "" when absent.
func Field(doc []byte, path string) string {
	return gjson.GetBytes(doc, path).String()
}
