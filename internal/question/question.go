// Package question obtains validated questions from an external supplier.
package question

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const (
	optionCount        = 4
	maxQuestionWords   = 15
	maxExplanationWord = 40
)

// Spec describes the question wanted for a round.
type Spec struct {
	Topic      string
	Difficulty string
	Index      int // 1-based
	Total      int
	SessionID  string
	TimeLimit  time.Duration
}

// Supplier generates one question. It may fail or return garbage; callers wrap it in a Retrying supplier.
type Supplier interface {
	Generate(ctx context.Context, spec Spec) (domain.Question, error)
}

type SupplierFunc func(ctx context.Context, spec Spec) (domain.Question, error)

func (f SupplierFunc) Generate(ctx context.Context, spec Spec) (domain.Question, error) {
	return f(ctx, spec)
}

type payload struct {
	Question         string   `json:"question"`
	Options          []string `json:"options"`
	Correct          *int     `json:"correct"`
	Explanation      string   `json:"explanation"`
	TimeLimitSeconds float64  `json:"time_limit_seconds"`
}

// Parse decodes and validates a supplier payload. The payload must hold exactly one question, either as an
// object or as a single element array. Options are trimmed.
func Parse(b []byte, spec Spec) (domain.Question, error) {
	b = bytes.TrimSpace(b)

	var p payload
	if len(b) > 0 && b[0] == '[' {
		var ps []payload
		if err := json.Unmarshal(b, &ps); err != nil {
			return domain.Question{}, errors.New(errors.CodeInvalidArgument, errors.WithCause(err), errors.WithMessagef("decode question list"))
		}
		if len(ps) != 1 {
			return domain.Question{}, errors.Validation("payload holds %d questions, want 1", len(ps))
		}
		p = ps[0]
	} else if err := json.Unmarshal(b, &p); err != nil {
		return domain.Question{}, errors.New(errors.CodeInvalidArgument, errors.WithCause(err), errors.WithMessagef("decode question"))
	}

	q := domain.Question{
		Text:        strings.TrimSpace(p.Question),
		Explanation: strings.TrimSpace(p.Explanation),
		TimeLimit:   spec.TimeLimit,
		Topic:       spec.Topic,
		Difficulty:  spec.Difficulty,
		Source:      "supplier",
	}
	for _, o := range p.Options {
		q.Options = append(q.Options, strings.TrimSpace(o))
	}
	if p.Correct != nil {
		q.CorrectIndex = *p.Correct
	} else {
		q.CorrectIndex = -1
	}
	if p.TimeLimitSeconds > 0 {
		q.TimeLimit = time.Duration(p.TimeLimitSeconds * float64(time.Second))
	}

	if err := Validate(q); err != nil {
		return domain.Question{}, err
	}

	return q, nil
}

// Validate checks the rules every question shown to players must hold.
func Validate(q domain.Question) error {
	if q.Text == "" {
		return errors.Validation("question text is empty")
	}
	if n := len(strings.Fields(q.Text)); n > maxQuestionWords {
		return errors.Validation("question has %d words, max %d", n, maxQuestionWords)
	}
	if len(q.Options) != optionCount {
		return errors.Validation("question has %d options, want %d", len(q.Options), optionCount)
	}

	seen := make(map[string]bool, len(q.Options))
	for i, o := range q.Options {
		if o == "" {
			return errors.Validation("option %d is empty", i)
		}
		k := strings.ToLower(o)
		if seen[k] {
			return errors.Validation("option %q is duplicated", o)
		}
		seen[k] = true
	}

	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return errors.Validation("correct option index %d out of range", q.CorrectIndex)
	}
	if q.Explanation == "" {
		return errors.Validation("explanation is empty")
	}
	if n := len(strings.Fields(q.Explanation)); n > maxExplanationWord {
		return errors.Validation("explanation has %d words, max %d", n, maxExplanationWord)
	}
	if q.TimeLimit <= 0 {
		return errors.Validation("time limit must be positive")
	}

	return nil
}
