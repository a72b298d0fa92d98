// Package round controls the lifecycle of one question: it collects answers until the deadline and
// scores them exactly once.
package round

import (
	"slices"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

// ScoreFunc computes the points of an answer.
type ScoreFunc func(correct bool, latency, limit time.Duration) int64

// Outcome is the scored result of one eligible participant.
type Outcome struct {
	ParticipantID string
	Answered      bool
	Answer        domain.Answer
	Points        int64
}

// Round is not safe for concurrent use. It is owned by the session loop.
type Round struct {
	index    int
	question domain.Question
	start    time.Time

	eligible  []string
	answers   map[string]domain.Answer
	order     []string
	finalized bool
}

// New opens a round. eligible lists the participants allowed to answer, in roster order.
func New(index int, q domain.Question, start time.Time, eligible []string) *Round {
	return &Round{
		index:    index,
		question: q,
		start:    start,
		eligible: slices.Clone(eligible),
		answers:  make(map[string]domain.Answer, len(eligible)),
	}
}

func (r *Round) Index() int                { return r.index }
func (r *Round) Question() domain.Question { return r.question }
func (r *Round) StartedAt() time.Time      { return r.start }
func (r *Round) Finalized() bool           { return r.finalized }

func (r *Round) Deadline() time.Time {
	return r.start.Add(r.question.TimeLimit)
}

// Eligible reports whether id may answer this round.
func (r *Round) Eligible(id string) bool {
	return slices.Contains(r.eligible, id)
}

// Submit records the answer of id received at the given time. The first valid answer wins; answers
// received after the deadline are rejected even if the round has not been finalized yet.
func (r *Round) Submit(id string, option int, at time.Time) (domain.Answer, error) {
	if r.finalized {
		return domain.Answer{}, errors.New(errors.CodeDeadlineExceeded, errors.WithMessagef("round %d is finalized", r.index))
	}
	if at.After(r.Deadline()) {
		return domain.Answer{}, errors.New(errors.CodeDeadlineExceeded,
			errors.WithMessagef("answer received %s after the deadline of round %d", at.Sub(r.Deadline()), r.index))
	}
	if !r.Eligible(id) {
		return domain.Answer{}, errors.StateConflict("participant %s cannot answer round %d", id, r.index)
	}
	if _, ok := r.answers[id]; ok {
		return domain.Answer{}, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("participant %s already answered round %d", id, r.index))
	}
	if option < 0 || option >= len(r.question.Options) {
		return domain.Answer{}, errors.Validation("option %d out of range [0, %d)", option, len(r.question.Options))
	}

	latency := at.Sub(r.start)
	if latency < 0 {
		latency = 0
	}

	a := domain.Answer{
		ParticipantID: id,
		Option:        option,
		Latency:       latency,
		Correct:       option == r.question.CorrectIndex,
		At:            at,
	}
	r.answers[id] = a
	r.order = append(r.order, id)

	return a, nil
}

// Answered returns the number of answers collected so far.
func (r *Round) Answered() int {
	return len(r.answers)
}

// Answer returns the answer of id, if any.
func (r *Round) Answer(id string) (domain.Answer, bool) {
	a, ok := r.answers[id]
	return a, ok
}

// Finalize closes the round and scores every eligible participant, in eligibility order. Only the first
// call does anything; later calls return false.
func (r *Round) Finalize(score ScoreFunc) ([]Outcome, bool) {
	if r.finalized {
		return nil, false
	}
	r.finalized = true

	return r.outcomes(score), true
}

func (r *Round) outcomes(score ScoreFunc) []Outcome {
	out := make([]Outcome, 0, len(r.eligible))
	for _, id := range r.eligible {
		a, ok := r.answers[id]
		o := Outcome{ParticipantID: id, Answered: ok, Answer: a}
		if ok {
			o.Points = score(a.Correct, a.Latency, r.question.TimeLimit)
		}
		out = append(out, o)
	}

	return out
}

// Record returns the durable form of the round.
func (r *Round) Record() domain.RoundRecord {
	rec := domain.RoundRecord{
		Index:     r.index,
		Question:  r.question,
		StartedAt: r.start,
		Eligible:  slices.Clone(r.eligible),
		Finalized: r.finalized,
	}
	rec.Question.Options = slices.Clone(r.question.Options)
	for _, id := range r.order {
		rec.Answers = append(rec.Answers, r.answers[id])
	}

	return rec
}

// Restore rebuilds a round from its record. Answers are taken as recorded.
func Restore(rec domain.RoundRecord) *Round {
	r := New(rec.Index, rec.Question, rec.StartedAt, rec.Eligible)
	for _, a := range rec.Answers {
		if _, ok := r.answers[a.ParticipantID]; ok {
			continue
		}
		r.answers[a.ParticipantID] = a
		r.order = append(r.order, a.ParticipantID)
	}
	r.finalized = rec.Finalized

	return r
}

// View returns what clients may see of the round. The correct option and the explanation are only
// revealed once the round is finalized.
func (r *Round) View() domain.RoundView {
	v := domain.RoundView{
		Index:     r.index,
		Question:  r.question.Public(),
		StartedAt: r.start,
		Deadline:  r.Deadline(),
		Answered:  len(r.answers),
		Finalized: r.finalized,
	}
	if r.finalized {
		correct := r.question.CorrectIndex
		v.CorrectIndex = &correct
		v.Explanation = r.question.Explanation
	}

	return v
}
