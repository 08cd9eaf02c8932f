package postgres

import (
	"fmt"
	"strings"
	"time"
)

// String returns row[col] as a string. NULL and missing columns yield "".
func String(row Row, col string) string {
	switch v := row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns row[col] as an int. Non-numeric values yield 0.
func Int(row Row, col string) int {
	switch v := row[col].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Time returns row[col] as a time. NULL and non-time values yield the zero
// time.
func Time(row Row, col string) time.Time {
	if v, ok := row[col].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// TimePtr returns row[col] as a time pointer, nil for NULL.
func TimePtr(row Row, col string) *time.Time {
	v, ok := row[col].(time.Time)
	if !ok {
		return nil
	}
	return &v
}

// EscapeLike escapes the LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
