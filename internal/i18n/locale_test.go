package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChain(t *testing.T) {
	available := []string{"en", "fr", "es", "uk"}
	cases := map[string][]string{
		"":                    {"en"},
		"fr":                  {"fr", "en"},
		"fr-CA":               {"fr", "en"},
		"es-MX,es;q=0.9":      {"es", "en"},
		"en":                  {"en"},
		"ja":                  {"en"},
		"not a locale at all": {"en"},
	}
	for in, want := range cases {
		assert.Equal(t, want, Chain(in, "en", available), in)
	}
}
