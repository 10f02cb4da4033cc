// Package brand loads brand definitions from the YAML brand repository and
// derives search terms from brand keywords.
package brand

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// Keywords groups a brand's core identity terms and extended vocabulary.
type Keywords struct {
	Core     []string `yaml:"core" json:"core"`
	Extended []string `yaml:"extended" json:"extended"`
}

// Tone describes the voice evaluations are asked to judge content against.
type Tone struct {
	Persona    string `yaml:"persona" json:"persona"`
	StyleGuide string `yaml:"style_guide" json:"style_guide"`
}

// Brand is one entry in the brand repository.
type Brand struct {
	ID          string   `yaml:"id" json:"id" validate:"required"`
	DisplayName string   `yaml:"display_name" json:"display_name" validate:"required"`
	Keywords    Keywords `yaml:"keywords" json:"keywords"`
	BannedWords []string `yaml:"banned_words" json:"banned_words"`
	Tone        Tone     `yaml:"tone" json:"tone"`
}

// AllKeywords returns core and extended keywords combined.
func (b *Brand) AllKeywords() []string {
	out := make([]string, 0, len(b.Keywords.Core)+len(b.Keywords.Extended))
	out = append(out, b.Keywords.Core...)
	out = append(out, b.Keywords.Extended...)
	return out
}

// Repo is the on-disk YAML brand repository.
type Repo struct {
	path string
}

type repoFile struct {
	Brands []Brand `yaml:"brands"`
}

// NewRepo creates a repository backed by the YAML file at path.
func NewRepo(path string) *Repo {
	return &Repo{path: path}
}

// Load reads all brands from the repository.
func (r *Repo) Load() ([]Brand, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read brand repo: %w", err)
	}
	var file repoFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse brand repo: %w", err)
	}
	return file.Brands, nil
}

// FindBrand returns the brand whose id or display name matches, or nil when
// none does.
func (r *Repo) FindBrand(brandID string) (*Brand, error) {
	brands, err := r.Load()
	if err != nil {
		return nil, err
	}
	for i := range brands {
		if brands[i].ID == brandID || brands[i].DisplayName == brandID {
			return &brands[i], nil
		}
	}
	return nil, nil
}

// Save writes an updated brand back to the repository, replacing the entry
// with the same id or appending a new one.
func (r *Repo) Save(b Brand) error {
	brands, err := r.Load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		brands = nil
	}

	replaced := false
	for i := range brands {
		if brands[i].ID == b.ID {
			brands[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		brands = append(brands, b)
	}

	data, err := yaml.Marshal(repoFile{Brands: brands})
	if err != nil {
		return fmt.Errorf("failed to marshal brand repo: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write brand repo: %w", err)
	}
	return nil
}

// GenerateSearchTerms returns up to maxTerms search queries sampled from the
// brand's keywords, each suffixed with "news".
func GenerateSearchTerms(keywords []string, maxTerms int) []string {
	if len(keywords) == 0 || maxTerms <= 0 {
		return nil
	}
	sampled := make([]string, len(keywords))
	copy(sampled, keywords)
	rand.Shuffle(len(sampled), func(i, j int) {
		sampled[i], sampled[j] = sampled[j], sampled[i]
	})
	if len(sampled) > maxTerms {
		sampled = sampled[:maxTerms]
	}
	terms := make([]string, len(sampled))
	for i, kw := range sampled {
		terms[i] = kw + " news"
	}
	return terms
}
