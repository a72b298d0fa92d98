// Package session runs quiz sessions. Every session owns a loop goroutine that serializes all of its
// mutations: commands, answers and deadline timers. Sessions are independent of each other.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/question"
	"github.com/victornm/livequiz/internal/round"
	"github.com/victornm/livequiz/internal/scoring"
	"github.com/victornm/livequiz/internal/telemetry"
)

// Reasons a session finished.
const (
	ReasonCompleted = "completed"
	ReasonEnded     = "ended by moderator"
	ReasonNoPlayers = "no players left"
)

// Triggers of a round finalization.
const (
	TriggerDeadline = "deadline"
	TriggerReveal   = "reveal"
	TriggerEnd      = "end"
	TriggerRecovery = "recovery"
)

type QuestionSource interface {
	Next(ctx context.Context, spec question.Spec) question.Supplied
}

// Persister records snapshots. Enqueue must not block.
type Persister interface {
	Enqueue(snap domain.SessionSnapshot)
}

type EventPublisher interface {
	Publish(ctx context.Context, e event.Event)
}

// Announcer maintains the list of joinable sessions.
type Announcer interface {
	Publish(ctx context.Context, s domain.SessionSummary)
	Withdraw(ctx context.Context, sessionID string)
}

// Defaults complete the settings a moderator leaves empty.
type Defaults struct {
	TimeLimit   time.Duration `mapstructure:"time_limit"`
	TotalRounds int           `mapstructure:"total_rounds"`
	MaxPlayers  int           `mapstructure:"max_players"`
	Lives       int           `mapstructure:"lives"`
	Topic       string        `mapstructure:"topic"`
	Difficulty  string        `mapstructure:"difficulty"`
}

type Config struct {
	Clock          clockwork.Clock
	Questions      QuestionSource
	Notifier       domain.Notifier
	Persister      Persister
	EventBus       EventPublisher
	Lobby          Announcer
	Scoring        scoring.Rules
	Defaults       Defaults
	PrepareTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Questions == nil {
		c.Questions = question.NewRetrying(question.RetryConfig{})
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.Persister == nil {
		c.Persister = nopPersister{}
	}
	if c.EventBus == nil {
		c.EventBus = nopPublisher{}
	}
	if c.Lobby == nil {
		c.Lobby = nopAnnouncer{}
	}
	if c.Scoring == (scoring.Rules{}) {
		c.Scoring = scoring.Default
	}
	if c.Defaults.TimeLimit <= 0 {
		c.Defaults.TimeLimit = 15 * time.Second
	}
	if c.Defaults.TotalRounds <= 0 {
		c.Defaults.TotalRounds = 10
	}
	if c.Defaults.MaxPlayers <= 0 {
		c.Defaults.MaxPlayers = 50
	}
	if c.Defaults.Lives <= 0 {
		c.Defaults.Lives = 3
	}
	if c.Defaults.Topic == "" {
		c.Defaults.Topic = "general"
	}
	if c.Defaults.Difficulty == "" {
		c.Defaults.Difficulty = "medium"
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 30 * time.Second
	}

	return c
}

// normalize validates settings and fills in defaults.
func (d Defaults) normalize(s domain.Settings) (domain.Settings, error) {
	switch s.Ruleset {
	case "":
		s.Ruleset = domain.RulesetCumulative
	case domain.RulesetCumulative, domain.RulesetElimination:
	default:
		return s, errors.Validation("unknown ruleset %q", s.Ruleset)
	}

	if s.TotalRounds < 0 || s.MaxPlayers < 0 || s.Lives < 0 {
		return s, errors.Validation("total rounds, max players and lives must not be negative")
	}
	if s.TotalRounds == 0 {
		s.TotalRounds = d.TotalRounds
	}
	if s.MaxPlayers == 0 || s.MaxPlayers > d.MaxPlayers {
		s.MaxPlayers = d.MaxPlayers
	}
	if s.Lives == 0 {
		s.Lives = d.Lives
	}
	if s.Topic == "" {
		s.Topic = d.Topic
	}
	if s.Difficulty == "" {
		s.Difficulty = d.Difficulty
	}

	return s, nil
}

// Session is one quiz game. All exported methods are safe for concurrent use; they are executed one at a
// time by the session loop.
type Session struct {
	id        string
	moderator string
	c         Config
	rules     ruleset

	cmds     chan func()
	done     chan struct{}
	stopOnce sync.Once
	state    atomic.Value // domain.Status

	// released is called with participants that no longer belong to the session.
	released func(ids ...string)

	// Owned by the loop.
	status    domain.Status
	reason    string
	settings  domain.Settings
	players   map[string]*domain.PlayerState
	order     []string
	rounds    []*round.Round
	timer     clockwork.Timer
	preparing bool
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

func newSession(id, moderator string, settings domain.Settings, c Config) *Session {
	now := c.Clock.Now()
	s := &Session{
		id:        id,
		moderator: moderator,
		c:         c,
		rules:     rulesetOf(settings.Ruleset),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		released:  func(...string) {},
		status:    domain.StatusWaiting,
		settings:  settings,
		players:   make(map[string]*domain.PlayerState),
		createdAt: now,
		updatedAt: now,
	}
	s.state.Store(domain.StatusWaiting)

	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Moderator() string { return s.moderator }

// Status may lag behind a command that is being executed.
func (s *Session) Status() domain.Status {
	return s.state.Load().(domain.Status)
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the loop. Later commands fail with a not-found error.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// exec runs fn on the loop and waits for its result. A panic in fn ends the session instead of the process.
func (s *Session) exec(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%v, stack: %s", r, debug.Stack())
				slog.ErrorContext(ctx, "session: command panic", "session", s.id, "error", err)
				s.abort(ctx, err)
				errc <- errors.Internal(err)
			}
		}()
		errc <- fn()
	}

	select {
	case s.cmds <- task:
	case <-s.done:
		return errors.NotFound("session %s is closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-errc
}

// post schedules fn on the loop without waiting for it.
func (s *Session) post(fn func()) {
	go func() {
		_ = s.exec(context.Background(), func() error {
			fn()
			return nil
		})
	}()
}

// Join adds a participant to a waiting session. profile carries the participant's totals from earlier
// sessions.
func (s *Session) Join(ctx context.Context, p domain.Participant, profile domain.Profile) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		if s.status != domain.StatusWaiting {
			return errors.StateConflict("session %s is %s", s.id, s.status)
		}
		if ps, ok := s.players[p.ID]; ok {
			if ps.Removed {
				return errors.Unauthorized("participant %s was removed from session %s", p.ID, s.id)
			}
			return errors.New(errors.CodeFailedPrecondition, errors.WithReason(errors.ReasonAlreadyJoined),
				errors.WithMessagef("participant %s already joined session %s", p.ID, s.id))
		}
		if s.settings.MaxPlayers > 0 && s.rosterSize() >= s.settings.MaxPlayers {
			return errors.StateConflict("session %s is full", s.id)
		}

		s.players[p.ID] = &domain.PlayerState{
			ID:        p.ID,
			Avatar:    p.Avatar,
			BaseScore: profile.TotalScore,
			BaseGames: profile.GamesPlayed,
			Lives:     s.settings.Lives,
			Connected: true,
		}
		s.order = append(s.order, p.ID)

		s.announce(ctx)
		s.changed(ctx)
		view = s.view()
		return nil
	})

	return view, err
}

// Start moves a waiting session with at least one player to active. It does not open a round.
func (s *Session) Start(ctx context.Context) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		if s.status != domain.StatusWaiting {
			return errors.StateConflict("session %s is %s", s.id, s.status)
		}
		if s.rosterSize() == 0 {
			return errors.StateConflict("session %s has no players", s.id)
		}

		s.setStatus(domain.StatusActive)
		s.c.Lobby.Withdraw(ctx, s.id)
		s.changed(ctx)
		view = s.view()
		return nil
	})

	return view, err
}

// Advance opens the next round. It is rejected while a round is open or being prepared. When all rounds
// were played, or nobody can answer anymore, it finishes the session instead.
//
// The question is obtained outside of the loop so that answers, deadlines and other commands keep
// flowing while the supplier is slow.
func (s *Session) Advance(ctx context.Context) (domain.SessionView, error) {
	var (
		view domain.SessionView
		spec question.Spec
		done bool
	)
	err := s.exec(ctx, func() error {
		if s.status != domain.StatusActive {
			return errors.StateConflict("session %s is %s", s.id, s.status)
		}
		if s.preparing {
			return errors.StateConflict("round %d of session %s is being prepared", len(s.rounds), s.id)
		}
		if r := s.current(); r != nil && !r.Finalized() {
			return errors.StateConflict("round %d of session %s is still open", r.Index(), s.id)
		}

		if len(s.rounds) >= s.settings.TotalRounds {
			s.finish(ctx, ReasonCompleted)
		} else if len(s.eligible()) == 0 {
			s.finish(ctx, ReasonNoPlayers)
		}
		if s.status == domain.StatusFinished {
			done = true
			view = s.view()
			return nil
		}

		s.preparing = true
		spec = question.Spec{
			Topic:      s.settings.Topic,
			Difficulty: s.settings.Difficulty,
			Index:      len(s.rounds) + 1,
			Total:      s.settings.TotalRounds,
			SessionID:  s.id,
			TimeLimit:  s.c.Defaults.TimeLimit,
		}
		return nil
	})
	if err != nil || done {
		return view, err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.PrepareTimeout)
	supplied := s.c.Questions.Next(pctx, spec)
	cancel()

	err = s.exec(context.WithoutCancel(ctx), func() error {
		s.preparing = false
		if s.status != domain.StatusActive {
			return errors.StateConflict("session %s ended while round %d was prepared", s.id, spec.Index-1)
		}

		s.openRound(ctx, supplied)
		view = s.view()
		return nil
	})

	return view, err
}

func (s *Session) openRound(ctx context.Context, supplied question.Supplied) {
	q := supplied.Question
	if q.TimeLimit <= 0 {
		q.TimeLimit = s.c.Defaults.TimeLimit
	}

	idx := len(s.rounds)
	r := round.New(idx, q, s.c.Clock.Now(), s.eligible())
	s.rounds = append(s.rounds, r)

	s.timer = s.c.Clock.AfterFunc(q.TimeLimit, func() {
		s.post(func() {
			s.finalize(context.Background(), idx, TriggerDeadline)
		})
	})

	s.notify(ctx, s.audience(), domain.EventNameRoundStarted, domain.RoundStarted{SessionID: s.id, RoundView: r.View()})

	if supplied.Fallback {
		telemetry.QuestionFallback()
		msg := "question supplier unavailable, a fallback question is used"
		if supplied.Cause != nil {
			msg = errors.Convert(supplied.Cause).Message
		}
		s.notify(ctx, []string{s.moderator}, domain.EventNameSupplierDegraded, domain.SupplierDegraded{
			SessionID:  s.id,
			RoundIndex: idx,
			Message:    msg,
		})
	}

	slog.InfoContext(ctx, "session: round started",
		"session", s.id,
		"round", idx,
		"fallback", supplied.Fallback,
		"eligible", len(s.eligible()),
	)

	s.changed(ctx)
}

// Reveal finalizes the open round before its deadline.
func (s *Session) Reveal(ctx context.Context) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		if s.status != domain.StatusActive {
			return errors.StateConflict("session %s is %s", s.id, s.status)
		}
		r := s.current()
		if r == nil || r.Finalized() {
			return errors.StateConflict("session %s has no open round", s.id)
		}

		s.finalize(ctx, r.Index(), TriggerReveal)
		view = s.view()
		return nil
	})

	return view, err
}

// finalize scores round idx. It is a no-op if the round is not the current one or is already finalized,
// which makes a late deadline timer harmless.
func (s *Session) finalize(ctx context.Context, idx int, trigger string) {
	r := s.current()
	if r == nil || r.Index() != idx {
		return
	}

	outcomes, ok := r.Finalize(s.c.Scoring.Score)
	if !ok {
		return
	}
	s.stopTimer()

	results := domain.RoundResults{
		SessionID:    s.id,
		RoundIndex:   idx,
		CorrectIndex: r.Question().CorrectIndex,
		Explanation:  r.Question().Explanation,
		Trigger:      trigger,
	}

	now := s.c.Clock.Now()
	for _, o := range outcomes {
		p := s.players[o.ParticipantID]
		if p == nil {
			continue
		}
		s.rules.apply(p, o)

		results.Results = append(results.Results, domain.Result{
			ParticipantID: p.ID,
			Avatar:        p.Avatar,
			RoundScore:    o.Points,
			TotalScore:    p.Score,
			Answered:      o.Answered,
			Correct:       o.Answered && o.Answer.Correct,
			LatencySecs:   o.Answer.Latency.Seconds(),
			Lives:         p.Lives,
			Eliminated:    p.Eliminated,
		})

		if o.Answered {
			s.c.EventBus.Publish(ctx, domain.EventAnswerFinalized{
				SessionID:  s.id,
				Moderator:  s.moderator,
				RoundIndex: idx,
				Answer:     o.Answer,
			})
		}
		s.c.EventBus.Publish(ctx, domain.EventScoreUpdated{
			SessionID:     s.id,
			ParticipantID: p.ID,
			SessionScore:  p.Score,
			TotalScore:    p.BaseScore + p.Score,
			UpdateTime:    now,
		})
	}

	sort.SliceStable(results.Results, func(i, j int) bool {
		a, b := results.Results[i], results.Results[j]
		if a.RoundScore != b.RoundScore {
			return a.RoundScore > b.RoundScore
		}
		return a.TotalScore > b.TotalScore
	})

	telemetry.RoundFinalized(trigger)
	s.notify(ctx, s.audience(), domain.EventNameRoundFinalized, results)
	s.c.EventBus.Publish(ctx, domain.EventRoundFinalized{Results: results})

	slog.InfoContext(ctx, "session: round finalized",
		"session", s.id,
		"round", idx,
		"trigger", trigger,
		"answers", r.Answered(),
	)

	s.touch()

	if s.status == domain.StatusActive && len(s.eligible()) == 0 {
		s.finish(ctx, ReasonNoPlayers)
	}
}

// Submit records an answer for round roundIndex. receivedAt is the time the answer reached the server;
// a zero value means now. Answers received after the deadline are rejected even if the deadline timer
// has not fired yet.
func (s *Session) Submit(ctx context.Context, participantID string, roundIndex, option int, receivedAt time.Time) (domain.Answer, error) {
	if receivedAt.IsZero() {
		receivedAt = s.c.Clock.Now()
	}

	var a domain.Answer
	err := s.exec(ctx, func() error {
		var err error
		a, err = s.submit(participantID, roundIndex, option, receivedAt)
		return err
	})

	ack := domain.AnswerAcknowledged{
		SessionID:  s.id,
		RoundIndex: roundIndex,
		Option:     option,
		Accepted:   err == nil,
	}
	reason := "accepted"
	if err != nil {
		reason = string(errors.ReasonOf(err))
		ack.Reason = reason
	}
	telemetry.AnswerSubmitted(reason, a.Latency.Seconds())
	s.notify(ctx, []string{participantID}, domain.EventNameAnswerAcknowledged, ack)

	return a, err
}

func (s *Session) submit(participantID string, roundIndex, option int, at time.Time) (domain.Answer, error) {
	if s.status != domain.StatusActive {
		return domain.Answer{}, errors.StateConflict("session %s is %s", s.id, s.status)
	}

	p, ok := s.players[participantID]
	if !ok || p.Removed {
		return domain.Answer{}, errors.NotFound("participant %s is not on the roster of session %s", participantID, s.id)
	}
	if p.Eliminated {
		return domain.Answer{}, errors.StateConflict("participant %s is eliminated", participantID)
	}

	r := s.current()
	switch {
	case r == nil || roundIndex > r.Index() || roundIndex < 0:
		return domain.Answer{}, errors.NotFound("round %d of session %s is not open", roundIndex, s.id)
	case roundIndex < r.Index():
		return domain.Answer{}, errors.New(errors.CodeDeadlineExceeded, errors.WithMessagef("round %d is finalized", roundIndex))
	}

	a, err := r.Submit(participantID, option, at)
	if err != nil {
		return domain.Answer{}, err
	}

	s.touch()
	return a, nil
}

// End finishes the session. An open round is finalized first and its deadline timer cancelled.
func (s *Session) End(ctx context.Context, reason string) (domain.SessionView, error) {
	if reason == "" {
		reason = ReasonEnded
	}

	var view domain.SessionView
	err := s.exec(ctx, func() error {
		if s.status == domain.StatusFinished {
			return errors.StateConflict("session %s is already finished", s.id)
		}

		if r := s.current(); r != nil && !r.Finalized() {
			s.finalize(ctx, r.Index(), TriggerEnd)
		}
		if s.status != domain.StatusFinished {
			s.finish(ctx, reason)
		}
		view = s.view()
		return nil
	})

	return view, err
}

// Remove takes a participant off the roster. Answers already given still count.
func (s *Session) Remove(ctx context.Context, participantID string) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		if s.status == domain.StatusFinished {
			return errors.StateConflict("session %s is finished", s.id)
		}
		p, ok := s.players[participantID]
		if !ok {
			return errors.NotFound("participant %s is not on the roster of session %s", participantID, s.id)
		}
		if p.Removed {
			return errors.StateConflict("participant %s was already removed", participantID)
		}

		p.Removed = true
		p.Connected = false
		s.notify(ctx, []string{participantID}, domain.EventNameParticipantRemoved, domain.ParticipantRemoved{
			SessionID:     s.id,
			ParticipantID: participantID,
		})
		s.released(participantID)

		s.announce(ctx)
		s.changed(ctx)
		view = s.view()
		return nil
	})

	return view, err
}

// Disconnect marks a participant offline. It stays on the roster and may reconnect.
func (s *Session) Disconnect(ctx context.Context, participantID string) error {
	return s.exec(ctx, func() error {
		p, ok := s.players[participantID]
		if !ok || p.Removed {
			return errors.NotFound("participant %s is not on the roster of session %s", participantID, s.id)
		}
		if !p.Connected || s.status == domain.StatusFinished {
			return nil
		}

		p.Connected = false
		s.changed(context.WithoutCancel(ctx))
		return nil
	})
}

// Reconnect marks a participant online again and sends it the current state of the session.
func (s *Session) Reconnect(ctx context.Context, participantID string) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		p, ok := s.players[participantID]
		if !ok || p.Removed {
			return errors.NotFound("participant %s is not on the roster of session %s", participantID, s.id)
		}

		if !p.Connected && s.status != domain.StatusFinished {
			p.Connected = true
			s.changed(ctx)
		}

		view = s.view()
		s.notify(ctx, []string{participantID}, domain.EventNameSessionUpdated, view)
		if r := s.current(); r != nil && !r.Finalized() {
			s.notify(ctx, []string{participantID}, domain.EventNameRoundStarted, domain.RoundStarted{SessionID: s.id, RoundView: r.View()})
		}
		return nil
	})

	return view, err
}

func (s *Session) View(ctx context.Context) (domain.SessionView, error) {
	var view domain.SessionView
	err := s.exec(ctx, func() error {
		view = s.view()
		return nil
	})

	return view, err
}

func (s *Session) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := s.exec(ctx, func() error {
		snap = s.snapshot()
		return nil
	})

	return snap, err
}

// abort finishes the session after an unrecoverable error.
func (s *Session) abort(ctx context.Context, err error) {
	if s.status == domain.StatusFinished {
		return
	}
	s.preparing = false
	s.finish(ctx, "internal error: "+errors.Convert(err).Message)
}

func (s *Session) finish(ctx context.Context, reason string) {
	s.stopTimer()
	s.setStatus(domain.StatusFinished)
	s.reason = reason

	standings := s.standings()
	s.notify(ctx, s.audience(), domain.EventNameSessionEnded, domain.SessionEnded{
		SessionID: s.id,
		Reason:    reason,
		Standings: standings,
	})
	s.c.Lobby.Withdraw(ctx, s.id)
	s.c.EventBus.Publish(ctx, domain.EventSessionEnded{
		SessionID: s.id,
		Reason:    reason,
		Standings: standings,
	})

	telemetry.SessionEnded(reason)
	slog.InfoContext(ctx, "session: finished", "session", s.id, "reason", reason, "rounds", len(s.rounds))

	s.released(s.order...)
	s.changed(ctx)
}

func (s *Session) setStatus(st domain.Status) {
	s.status = st
	s.state.Store(st)
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) current() *round.Round {
	if len(s.rounds) == 0 {
		return nil
	}
	return s.rounds[len(s.rounds)-1]
}

// eligible lists the players allowed to answer the next round, in join order.
func (s *Session) eligible() []string {
	var ids []string
	for _, id := range s.order {
		if s.rules.canAnswer(s.players[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) rosterSize() int {
	n := 0
	for _, p := range s.players {
		if !p.Removed {
			n++
		}
	}
	return n
}

// audience is everybody that receives session broadcasts.
func (s *Session) audience() []string {
	ids := make([]string, 0, len(s.order)+1)
	for _, id := range s.order {
		if !s.players[id].Removed {
			ids = append(ids, id)
		}
	}
	if !slices.Contains(ids, s.moderator) {
		ids = append(ids, s.moderator)
	}
	return ids
}

// changed broadcasts the session view and records a snapshot.
func (s *Session) changed(ctx context.Context) {
	s.touch()
	s.notify(ctx, s.audience(), domain.EventNameSessionUpdated, s.view())
}

// announce refreshes the joinable list entry of a waiting session.
func (s *Session) announce(ctx context.Context) {
	if s.status != domain.StatusWaiting {
		return
	}

	sum := s.snapshot().Summary()
	if sum.Joinable() {
		s.c.Lobby.Publish(ctx, sum)
	} else {
		s.c.Lobby.Withdraw(ctx, s.id)
	}
}

func (s *Session) touch() {
	s.version++
	s.updatedAt = s.c.Clock.Now()
	s.c.Persister.Enqueue(s.snapshot())
}

func (s *Session) notify(ctx context.Context, to []string, name string, data any) {
	s.c.Notifier.Notify(ctx, to, domain.Notification{Event: name, Data: data})
}

func (s *Session) roster() []domain.PlayerState {
	out := make([]domain.PlayerState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.players[id])
	}
	return out
}

func (s *Session) view() domain.SessionView {
	v := domain.SessionView{
		ID:        s.id,
		Moderator: s.moderator,
		Status:    s.status,
		Reason:    s.reason,
		Settings:  s.settings,
		Players:   s.roster(),
		Version:   s.version,
	}
	for _, r := range s.rounds {
		if r.Finalized() {
			v.RoundsPlayed++
		}
	}
	if r := s.current(); r != nil {
		rv := r.View()
		v.CurrentRound = &rv
	}

	return v
}

func (s *Session) snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:        s.id,
		Moderator: s.moderator,
		Status:    s.status,
		Reason:    s.reason,
		Settings:  s.settings,
		Players:   s.roster(),
		Version:   s.version,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	for _, r := range s.rounds {
		snap.Rounds = append(snap.Rounds, r.Record())
	}

	return snap
}

// standings ranks every player that ever joined by session score.
func (s *Session) standings() []domain.Standing {
	out := make([]domain.Standing, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		out = append(out, domain.Standing{
			ParticipantID: p.ID,
			Avatar:        p.Avatar,
			TotalScore:    p.Score,
			Correct:       p.Correct,
			Answered:      p.Answered,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].Correct > out[j].Correct
	})

	return out
}

// restore rebuilds a session from a snapshot. The caller starts the loop and finalizes a round that was
// open when the snapshot was taken.
func restore(snap domain.SessionSnapshot, c Config) *Session {
	s := newSession(snap.ID, snap.Moderator, snap.Settings, c)
	s.setStatus(snap.Status)
	s.reason = snap.Reason
	s.version = snap.Version
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt

	for _, p := range snap.Players {
		// No connection survives a restart; players reattach through Reconnect.
		p.Connected = false
		s.players[p.ID] = &p
		s.order = append(s.order, p.ID)
	}
	for _, rec := range snap.Rounds {
		s.rounds = append(s.rounds, round.Restore(rec))
	}

	return s
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []string, domain.Notification) {}

type nopPersister struct{}

func (nopPersister) Enqueue(domain.SessionSnapshot) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) {}

type nopAnnouncer struct{}

func (nopAnnouncer) Publish(context.Context, domain.SessionSummary) {}
func (nopAnnouncer) Withdraw(context.Context, string)               {}
