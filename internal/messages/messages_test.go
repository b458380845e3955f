package messages

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryIDExistsInEveryLocale(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("locales", "active.*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)

		var m map[string]string
		require.NoError(t, json.Unmarshal(data, &m), f)
		for _, id := range IDs {
			assert.NotEmpty(t, m[id], "%s misses %s", f, id)
		}
		assert.Len(t, m, len(IDs), "%s has keys unknown to the code", f)
	}
}

func TestLocalize(t *testing.T) {
	c := NewCatalog("en")
	assert.ElementsMatch(t, []string{"en", "fr"}, c.Languages())

	assert.Equal(t, "This calendar does not exist.", c.Localize(SourceNotFound, nil))
	assert.Equal(t, "Ce calendrier n'existe pas.", c.Localize(SourceNotFound, nil, "fr-FR,fr;q=0.9"))
	assert.Equal(t, "This calendar does not exist.", c.Localize(SourceNotFound, nil, "de"))

	assert.Equal(t, "The calendar server answered 404 Not Found.",
		c.Localize(UpstreamStatus, map[string]any{"Status": "404 Not Found"}))

	assert.Equal(t, "no_such_key", c.Localize("no_such_key", nil))
}

func TestFallbackLanguage(t *testing.T) {
	c := NewCatalog("fr")
	assert.Equal(t, "Ce calendrier n'existe pas.", c.Localize(SourceNotFound, nil, ""))
}
