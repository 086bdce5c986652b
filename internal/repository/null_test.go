package repository

import (
	"testing"
	"time"
)

func TestNullString(t *testing.T) {
	if ns := nullString(""); ns.Valid {
		t.Error("空文字列はNULLに変換されるべき")
	}
	if ns := nullString("a"); !ns.Valid || ns.String != "a" {
		t.Errorf("nullString(\"a\") = %+v", ns)
	}
	if got := nullStringValue(nullString("b")); got != "b" {
		t.Errorf("nullStringValue() = %q, want %q", got, "b")
	}
}

func TestNullTime(t *testing.T) {
	if nt := nullTime(nil); nt.Valid {
		t.Error("nilはNULLに変換されるべき")
	}

	now := time.Now()
	got := nullTimePtr(nullTime(&now))
	if got == nil || !got.Equal(now) {
		t.Errorf("nullTimePtr(nullTime(now)) = %v, want %v", got, now)
	}
	if nullTimePtr(nullTime(nil)) != nil {
		t.Error("NULLはnilに変換されるべき")
	}
}

func TestNullInt(t *testing.T) {
	if ni := nullInt(nil); ni.Valid {
		t.Error("nilはNULLに変換されるべき")
	}

	w := 640
	got := nullIntPtr(nullInt(&w))
	if got == nil || *got != 640 {
		t.Errorf("nullIntPtr(nullInt(640)) = %v", got)
	}
}
