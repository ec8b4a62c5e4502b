package quantity_test

import (
	"testing"

	"worktab/internal/quantity"
)

func TestExtractWesternDigits(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"plain", "120", 120},
		{"embedded", "طلب 250 قطعة", 250},
		{"leftmost run wins", "45 ثم 99", 45},
		{"digits beat number words", "خمسين 7", 7},
		{"digits glued to letters", "qty120x", 120},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := quantity.Extract(tc.text)
			if !ok {
				t.Fatalf("Extract(%q): no quantity", tc.text)
			}
			if got != tc.want {
				t.Fatalf("Extract(%q) = %d, want %d", tc.text, got, tc.want)
			}
		})
	}
}

func TestExtractEasternDigits(t *testing.T) {
	got, ok := quantity.Extract("العدد ١٢٣ اليوم")
	if !ok || got != 123 {
		t.Fatalf("Extract eastern = %d, %v; want 123, true", got, ok)
	}
	got, ok = quantity.Extract("٥٠")
	if !ok || got != 50 {
		t.Fatalf("Extract eastern = %d, %v; want 50, true", got, ok)
	}
}

func TestExtractNumberWords(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"خمسين قطعة", 50},
		{"مطلوب مئتين غدا", 200},
		{"أربعة", 4},
		{"الف", 1000},
		{"تسليم عشرة صباحا", 10},
	}
	for _, tc := range cases {
		got, ok := quantity.Extract(tc.text)
		if !ok {
			t.Fatalf("Extract(%q): no quantity", tc.text)
		}
		if got != tc.want {
			t.Fatalf("Extract(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestExtractNoQuantity(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"plain words", "مرحبا بالجميع"},
		{"zero is not a quantity", "0"},
		{"compound words are not composed", "ثلاثة وعشرون"},
		{"compound with genitive tens", "خمسة وعشرين"},
		{"word needs exact token", "الخمسين"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, ok := quantity.Extract(tc.text); ok {
				t.Fatalf("Extract(%q) = %d, want no quantity", tc.text, got)
			}
		})
	}
}

func TestExtractFirstMatchingWordWins(t *testing.T) {
	got, ok := quantity.Extract("سبعة ثم عشرين")
	if !ok || got != 7 {
		t.Fatalf("Extract = %d, %v; want 7, true", got, ok)
	}
}
