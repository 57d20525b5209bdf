package textutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// arabicReplacer strips diacritics and folds letter variants that appear
// interchangeably in storefront input (hamza carriers, taa marbuta,
// alef maqsura) so label comparison is stable.
var arabicReplacer = strings.NewReplacer(
	"أ", "ا", // أ → ا
	"إ", "ا", // إ → ا
	"آ", "ا", // آ → ا
	"ة", "ه", // ة → ه
	"ى", "ي", // ى → ي
	"ً", "", "ٌ", "", "ٍ", "",
	"َ", "", "ُ", "", "ِ", "",
	"ّ", "", "ْ", "", "ـ", "",
)

// NormalizeLabel lowercases, trims, and NFKC-normalizes a free-text label
// (shipping method name, city) so Arabic and Latin variants compare equal.
func NormalizeLabel(value string) string {
	value = norm.NFKC.String(strings.TrimSpace(value))
	value = arabicReplacer.Replace(value)
	return strings.ToLower(value)
}
