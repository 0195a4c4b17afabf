package i18n

import "golang.org/x/text/cases"

// Fold returns the Unicode case folding of s, so "ÉCOLE" and "école" compare
// equal. A Caser keeps state, so each call gets its own.
func Fold(s string) string {
	return cases.Fold().String(s)
}
