package session

import (
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/round"
)

// ruleset decides how a round outcome changes a player and who may keep answering.
type ruleset interface {
	apply(p *domain.PlayerState, o round.Outcome)
	canAnswer(p *domain.PlayerState) bool
}

func rulesetOf(r domain.Ruleset) ruleset {
	if r == domain.RulesetElimination {
		return elimination{}
	}
	return cumulative{}
}

type cumulative struct{}

func (cumulative) apply(p *domain.PlayerState, o round.Outcome) {
	tally(p, o)
}

func (cumulative) canAnswer(p *domain.PlayerState) bool {
	return !p.Removed
}

// elimination costs a life for every wrong or missing answer. Players without lives stay on the roster
// as spectators.
type elimination struct{}

func (elimination) apply(p *domain.PlayerState, o round.Outcome) {
	tally(p, o)

	if o.Answered && o.Answer.Correct {
		return
	}
	if p.Lives > 0 {
		p.Lives--
	}
	if p.Lives == 0 {
		p.Eliminated = true
	}
}

func (elimination) canAnswer(p *domain.PlayerState) bool {
	return !p.Removed && !p.Eliminated
}

func tally(p *domain.PlayerState, o round.Outcome) {
	p.Score += o.Points
	if !o.Answered {
		return
	}
	p.Answered++
	if o.Answer.Correct {
		p.Correct++
	}
}
