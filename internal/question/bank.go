package question

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/victornm/livequiz/internal/domain"
)

//go:embed fallback.yaml
var defaultBank []byte

const generalTopic = "general"

// Bank is a fixed set of questions used when the supplier cannot deliver.
type Bank struct {
	byTopic map[string][]domain.Question
	all     []domain.Question
}

type bankFile struct {
	Questions []struct {
		Topic       string   `yaml:"topic"`
		Question    string   `yaml:"question"`
		Options     []string `yaml:"options"`
		Correct     int      `yaml:"correct"`
		Explanation string   `yaml:"explanation"`
	} `yaml:"questions"`
}

// DefaultBank returns the embedded bank.
func DefaultBank() *Bank {
	b, err := ParseBank(defaultBank)
	if err != nil {
		panic(fmt.Sprintf("question: embedded fallback bank: %v", err))
	}
	return b
}

// LoadBank reads a bank from a YAML file. An empty path yields the embedded bank.
func LoadBank(path string) (*Bank, error) {
	if path == "" {
		return DefaultBank(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallback bank %s: %w", path, err)
	}

	return ParseBank(raw)
}

// ParseBank decodes a YAML bank. Every question is validated with a placeholder time limit.
func ParseBank(raw []byte) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode fallback bank: %w", err)
	}

	b := &Bank{byTopic: make(map[string][]domain.Question)}
	for i, e := range f.Questions {
		q := domain.Question{
			Text:         strings.TrimSpace(e.Question),
			Options:      e.Options,
			CorrectIndex: e.Correct,
			Explanation:  strings.TrimSpace(e.Explanation),
			TimeLimit:    1,
			Topic:        strings.ToLower(strings.TrimSpace(e.Topic)),
			Source:       "fallback",
		}
		if err := Validate(q); err != nil {
			return nil, fmt.Errorf("fallback question %d: %w", i, err)
		}

		b.byTopic[q.Topic] = append(b.byTopic[q.Topic], q)
		b.all = append(b.all, q)
	}

	if len(b.all) == 0 {
		return nil, fmt.Errorf("fallback bank is empty")
	}

	return b, nil
}

// Pick returns a fallback question for spec. The first candidate not rejected by skip wins; when all are
// rejected the rotation position is used anyway so a round can always start.
func (b *Bank) Pick(spec Spec, skip func(domain.Question) bool) domain.Question {
	candidates := b.byTopic[strings.ToLower(spec.Topic)]
	if len(candidates) == 0 {
		candidates = b.byTopic[generalTopic]
	}
	if len(candidates) == 0 {
		candidates = b.all
	}

	start := spec.Index
	if start < 0 {
		start = 0
	}

	q := candidates[start%len(candidates)]
	for i := range candidates {
		c := candidates[(start+i)%len(candidates)]
		if skip == nil || !skip(c) {
			q = c
			break
		}
	}

	q.Options = append([]string(nil), q.Options...)
	q.TimeLimit = spec.TimeLimit
	q.Difficulty = spec.Difficulty
	return q
}
