// Package anomaly raises advisory alerts on implausibly fast or accurate answer patterns. It never
// changes scores.
package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	KindFastAnswers         = "fast_answers"
	KindAccurateFastAnswers = "accurate_fast_answers"
)

type Config struct {
	Window         int           `mapstructure:"window"`
	MinSamples     int           `mapstructure:"min_samples"`      // for fast_answers
	FastLatency    time.Duration `mapstructure:"fast_latency"`     // fast_answers when the mean is below
	MinAccuracy    float64       `mapstructure:"min_accuracy"`     // accurate_fast_answers when exceeded
	MaxMeanLatency time.Duration `mapstructure:"max_mean_latency"` // and the mean is below, over a full window
}

var DefaultConfig = Config{
	Window:         5,
	MinSamples:     3,
	FastLatency:    2 * time.Second,
	MinAccuracy:    0.9,
	MaxMeanLatency: 3 * time.Second,
}

type sample struct {
	correct bool
	latency time.Duration
}

type key struct {
	session     string
	participant string
}

type Monitor struct {
	c        Config
	notifier domain.Notifier

	mu      sync.Mutex
	windows map[key][]sample
	raised  map[key]map[string]bool
}

// NewMonitor subscribes the monitor to finalized answers and ended sessions on eb.
func NewMonitor(c Config, n domain.Notifier, eb *event.Bus) *Monitor {
	if c.Window <= 0 {
		c.Window = DefaultConfig.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultConfig.MinSamples
	}
	if c.FastLatency <= 0 {
		c.FastLatency = DefaultConfig.FastLatency
	}
	if c.MinAccuracy <= 0 {
		c.MinAccuracy = DefaultConfig.MinAccuracy
	}
	if c.MaxMeanLatency <= 0 {
		c.MaxMeanLatency = DefaultConfig.MaxMeanLatency
	}

	m := &Monitor{
		c:        c,
		notifier: n,
		windows:  make(map[key][]sample),
		raised:   make(map[key]map[string]bool),
	}

	if eb != nil {
		eb.Subscribe(domain.EventNameAnswerFinalized, func(ctx context.Context, e event.Event) error {
			m.Observe(ctx, e.(domain.EventAnswerFinalized))
			return nil
		})
		eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
			m.Forget(e.(domain.EventSessionEnded).SessionID)
			return nil
		})
	}

	return m
}

// Observe adds a finalized answer to the participant's window and returns the alerts it raised. An alert
// is raised when its condition starts to hold, not again while it keeps holding.
func (m *Monitor) Observe(ctx context.Context, e domain.EventAnswerFinalized) []domain.Anomaly {
	k := key{session: e.SessionID, participant: e.Answer.ParticipantID}

	m.mu.Lock()
	w := append(m.windows[k], sample{correct: e.Answer.Correct, latency: e.Answer.Latency})
	if len(w) > m.c.Window {
		w = w[len(w)-m.c.Window:]
	}
	m.windows[k] = w

	accuracy, mean := stats(w)
	holds := map[string]bool{
		KindFastAnswers:         len(w) >= m.c.MinSamples && mean < m.c.FastLatency,
		KindAccurateFastAnswers: len(w) >= m.c.Window && accuracy > m.c.MinAccuracy && mean < m.c.MaxMeanLatency,
	}

	raised := m.raised[k]
	if raised == nil {
		raised = make(map[string]bool)
		m.raised[k] = raised
	}

	var out []domain.Anomaly
	for _, kind := range []string{KindFastAnswers, KindAccurateFastAnswers} {
		if holds[kind] && !raised[kind] {
			out = append(out, domain.Anomaly{
				SessionID:      e.SessionID,
				ParticipantID:  e.Answer.ParticipantID,
				Kind:           kind,
				Severity:       severity(kind),
				Samples:        len(w),
				Accuracy:       accuracy,
				MeanLatencySec: mean.Seconds(),
			})
		}
		raised[kind] = holds[kind]
	}
	m.mu.Unlock()

	for _, a := range out {
		telemetry.AnomalyDetected(a.Kind)
		slog.WarnContext(ctx, "anomaly: suspicious answers",
			"session", a.SessionID,
			"participant", a.ParticipantID,
			"kind", a.Kind,
			"accuracy", a.Accuracy,
			"mean_latency", a.MeanLatencySec,
		)
		if m.notifier != nil && e.Moderator != "" {
			m.notifier.Notify(ctx, []string{e.Moderator}, domain.Notification{Event: domain.EventNameAnomalyDetected, Data: a})
		}
	}

	return out
}

// Forget drops the windows of a session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.windows {
		if k.session == sessionID {
			delete(m.windows, k)
			delete(m.raised, k)
		}
	}
}

func stats(w []sample) (accuracy float64, mean time.Duration) {
	if len(w) == 0 {
		return 0, 0
	}

	var (
		correct int
		total   time.Duration
	)
	for _, s := range w {
		if s.correct {
			correct++
		}
		total += s.latency
	}

	return float64(correct) / float64(len(w)), total / time.Duration(len(w))
}

func severity(kind string) string {
	if kind == KindAccurateFastAnswers {
		return "high"
	}
	return "medium"
}
