// Package quantity extracts an integer work quantity from free-form
// chat text written in mixed numeral systems.
package quantity

import (
	"regexp"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// easternDigits maps Eastern-Arabic digit glyphs to their Western
// equivalents for rule 2.
var easternDigits = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

// lexicon maps Arabic number-words to values. Tokens must match
// exactly; spelling variants, including hamza forms, are listed.
var lexicon = map[string]int{
	"واحد": 1, "واحدة": 1, "اثنين": 2, "اثنان": 2, "اثنتين": 2,
	"ثلاث": 3, "ثلاثة": 3, "اربع": 4, "أربع": 4, "اربعة": 4, "أربعة": 4,
	"خمس": 5, "خمسة": 5, "ست": 6, "ستة": 6, "سبع": 7, "سبعة": 7,
	"ثمان": 8, "ثماني": 8, "ثمانية": 8, "تسع": 9, "تسعة": 9,
	"عشر": 10, "عشرة": 10, "عشرين": 20, "ثلاثين": 30, "اربعين": 40, "أربعين": 40,
	"خمسين": 50, "ستين": 60, "سبعين": 70, "ثمانين": 80, "تسعين": 90,
	"مئة": 100, "مائة": 100, "مئتين": 200, "مائتين": 200,
	"ألف": 1000, "الف": 1000, "الفين": 2000, "ألفين": 2000,
}

// tensNominative lists the nominative spellings of the tens, which
// appear only as the second half of compound numbers ("ثلاثة وعشرون").
var tensNominative = map[string]bool{
	"عشرون": true, "ثلاثون": true, "اربعون": true, "أربعون": true,
	"خمسون": true, "ستون": true, "سبعون": true, "ثمانون": true, "تسعون": true,
}

// Extract returns the first quantity found in text, trying in order:
// a Western digit run, a digit run after transliterating
// Eastern-Arabic glyphs, then an exact lexicon token. Digits win over
// words so a numeric amount is never shadowed by an incidental
// number-word. ok is false when no positive quantity is present; zero
// never counts as a quantity.
//
// Compound number words are not composed. A lexicon token followed by
// a conjoined number word ("ثلاثة وعشرون") is rejected outright
// instead of being misread as its first part.
func Extract(text string) (int, bool) {
	if q, ok := firstDigitRun(text); ok {
		return q, true
	}
	if q, ok := firstDigitRun(easternDigits.Replace(text)); ok {
		return q, true
	}
	tokens := strings.Fields(text)
	for i, token := range tokens {
		q, ok := lexicon[token]
		if !ok {
			continue
		}
		if i+1 < len(tokens) && isConjoinedNumber(tokens[i+1]) {
			return 0, false
		}
		return q, true
	}
	return 0, false
}

func isConjoinedNumber(token string) bool {
	rest, ok := strings.CutPrefix(token, "و")
	if !ok {
		return false
	}
	if _, known := lexicon[rest]; known {
		return true
	}
	return tensNominative[rest]
}

func firstDigitRun(text string) (int, bool) {
	m := digitRun.FindString(text)
	if m == "" {
		return 0, false
	}
	q, err := strconv.Atoi(m)
	if err != nil || q <= 0 {
		return 0, false
	}
	return q, true
}
