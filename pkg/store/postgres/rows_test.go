package postgres

import (
	"testing"
	"time"
)

func TestRowHelpers(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	row := Row{
		"id":     "c-1",
		"raw":    []byte("bytes"),
		"count":  int64(7),
		"small":  int32(3),
		"at":     now,
		"due":    nil,
		"number": 2.9,
	}

	if got := String(row, "id"); got != "c-1" {
		t.Errorf("String(id) = %q", got)
	}
	if got := String(row, "raw"); got != "bytes" {
		t.Errorf("String(raw) = %q", got)
	}
	if got := String(row, "missing"); got != "" {
		t.Errorf("String(missing) = %q", got)
	}
	if got := Int(row, "count"); got != 7 {
		t.Errorf("Int(count) = %d", got)
	}
	if got := Int(row, "small"); got != 3 {
		t.Errorf("Int(small) = %d", got)
	}
	if got := Int(row, "number"); got != 2 {
		t.Errorf("Int(number) = %d", got)
	}
	if got := Int(row, "id"); got != 0 {
		t.Errorf("Int(id) = %d", got)
	}
	if got := Time(row, "at"); !got.Equal(now) {
		t.Errorf("Time(at) = %s", got)
	}
	if TimePtr(row, "due") != nil {
		t.Error("TimePtr(NULL) should be nil")
	}
	if p := TimePtr(row, "at"); p == nil || !p.Equal(now) {
		t.Errorf("TimePtr(at) = %v", p)
	}
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	if got := EscapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("EscapeLike = %q", got)
	}
}
