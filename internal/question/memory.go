package question

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/victornm/livequiz/internal/domain"
)

const maxRemembered = 500

var keyword = regexp.MustCompile(`\p{L}{4,}|\d{4,}`)

// Memory remembers which questions a session has already seen. Matching is a keyword hash, so it is
// advisory: similar questions may collide and reworded duplicates slip through.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]map[string]struct{})}
}

// Fingerprint is the first five keywords of the question and its options, sorted.
func Fingerprint(q domain.Question) string {
	content := strings.ToLower(q.Text + " " + strings.Join(q.Options, " "))
	words := keyword.FindAllString(content, -1)
	if len(words) > 5 {
		words = words[:5]
	}
	sort.Strings(words)
	return strings.Join(words, "-")
}

func (m *Memory) Seen(sessionID string, q domain.Question) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[sessionID][Fingerprint(q)]
	return ok
}

func (m *Memory) Remember(sessionID string, q domain.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		s = make(map[string]struct{})
		m.sessions[sessionID] = s
	}
	if len(s) >= maxRemembered {
		return
	}
	s[Fingerprint(q)] = struct{}{}
}

// Forget drops everything remembered for a session.
func (m *Memory) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
}
