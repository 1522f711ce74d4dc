package routing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

type vocabularyFile struct {
	Domains map[string][]string `yaml:"domains"`
}

// Vocabulary maps each domain to its tokenized terms. Multi-word phrases are
// kept as token sequences.
type Vocabulary map[domain.Domain][][]string

// DefaultVocabulary returns the vocabulary embedded in the binary.
func DefaultVocabulary() (Vocabulary, error) {
	return ParseVocabulary(defaultVocabulary)
}

// LoadVocabulary reads a YAML vocabulary from path, or the embedded default
// when path is empty.
func LoadVocabulary(path string) (Vocabulary, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultVocabulary()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	return ParseVocabulary(raw)
}

func ParseVocabulary(raw []byte) (Vocabulary, error) {
	var file vocabularyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	vocab := make(Vocabulary, len(file.Domains))
	for label, terms := range file.Domains {
		d := domain.ParseDomain(label)
		if d == "" {
			continue
		}
		for _, term := range terms {
			tokens := tokenize(term)
			if len(tokens) == 0 {
				continue
			}
			vocab[d] = append(vocab[d], tokens)
		}
	}
	return vocab, nil
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// countHits returns how many times any term of the domain occurs in tokens.
func countHits(tokens []string, terms [][]string) int {
	hits := 0
	for _, term := range terms {
		for i := 0; i+len(term) <= len(tokens); i++ {
			if matchAt(tokens, i, term) {
				hits++
			}
		}
	}
	return hits
}

func matchAt(tokens []string, start int, term []string) bool {
	for j, tok := range term {
		if tokens[start+j] != tok {
			return false
		}
	}
	return true
}
