// Package i18n resolves the locale fallback chain used for translated names.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

// Chain returns the locales to try in order: the best available match for
// requested (a tag or an Accept-Language value) followed by the default.
func Chain(requested, def string, available []string) []string {
	out := make([]string, 0, 2)
	add := func(l string) {
		if l == "" {
			return
		}
		for _, have := range out {
			if have == l {
				return
			}
		}
		out = append(out, l)
	}
	if best := Match(requested, available); best != "" {
		add(best)
	}
	add(def)
	return out
}

// Match picks the available locale closest to requested, or "" when none is a reasonable match.
func Match(requested string, available []string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || len(available) == 0 {
		return ""
	}
	tags := make([]language.Tag, 0, len(available))
	names := make([]string, 0, len(available))
	for _, a := range available {
		t, err := language.Parse(a)
		if err != nil {
			continue
		}
		tags = append(tags, t)
		names = append(names, a)
	}
	if len(tags) == 0 {
		return ""
	}
	want, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(want) == 0 {
		return ""
	}
	_, idx, conf := language.NewMatcher(tags).Match(want...)
	if conf == language.No {
		return ""
	}
	return names[idx]
}
