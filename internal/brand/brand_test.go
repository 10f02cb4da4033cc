package brand

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRepo = `brands:
  - id: acme
    display_name: Acme
    keywords:
      core: [acme, acme corp]
      extended: [widgets]
    banned_words: [lawsuit]
    tone:
      persona: friendly expert
      style_guide: short sentences
  - id: globex
    display_name: Globex
    keywords:
      core: [globex]
`

func writeRepo(t *testing.T, content string) *Repo {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return NewRepo(path)
}

func TestLoad(t *testing.T) {
	repo := writeRepo(t, sampleRepo)

	brands, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, brands, 2)
	assert.Equal(t, "acme", brands[0].ID)
	assert.Equal(t, []string{"acme", "acme corp"}, brands[0].Keywords.Core)
	assert.Equal(t, []string{"lawsuit"}, brands[0].BannedWords)
	assert.Equal(t, "friendly expert", brands[0].Tone.Persona)
}

func TestLoad_MissingFile(t *testing.T) {
	repo := NewRepo(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := repo.Load()
	require.Error(t, err)
}

func TestFindBrand(t *testing.T) {
	repo := writeRepo(t, sampleRepo)

	byID, err := repo.FindBrand("acme")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "Acme", byID.DisplayName)

	byName, err := repo.FindBrand("Globex")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "globex", byName.ID)

	missing, err := repo.FindBrand("initech")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSave_ReplacesExisting(t *testing.T) {
	repo := writeRepo(t, sampleRepo)

	updated := Brand{
		ID:          "acme",
		DisplayName: "Acme Inc",
		Keywords:    Keywords{Core: []string{"acme"}},
	}
	require.NoError(t, repo.Save(updated))

	brands, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, brands, 2)
	assert.Equal(t, "Acme Inc", brands[0].DisplayName)
}

func TestSave_AppendsNew(t *testing.T) {
	repo := writeRepo(t, sampleRepo)

	require.NoError(t, repo.Save(Brand{ID: "initech", DisplayName: "Initech"}))

	brands, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, brands, 3)
	assert.Equal(t, "initech", brands[2].ID)
}

func TestSave_CreatesFileWhenAbsent(t *testing.T) {
	repo := NewRepo(filepath.Join(t.TempDir(), "new.yaml"))

	require.NoError(t, repo.Save(Brand{ID: "acme", DisplayName: "Acme"}))

	brands, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, brands, 1)
}

func TestAllKeywords(t *testing.T) {
	b := Brand{Keywords: Keywords{Core: []string{"a"}, Extended: []string{"b", "c"}}}
	assert.Equal(t, []string{"a", "b", "c"}, b.AllKeywords())
}

func TestGenerateSearchTerms(t *testing.T) {
	terms := GenerateSearchTerms([]string{"acme", "widgets", "gadgets"}, 2)
	require.Len(t, terms, 2)
	for _, term := range terms {
		assert.True(t, strings.HasSuffix(term, " news"), "term %q should end with news suffix", term)
	}

	assert.Len(t, GenerateSearchTerms([]string{"acme"}, 5), 1)
	assert.Nil(t, GenerateSearchTerms(nil, 3))
	assert.Nil(t, GenerateSearchTerms([]string{"acme"}, 0))
}
