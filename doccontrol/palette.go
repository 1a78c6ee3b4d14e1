package doccontrol

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultPalette is the fixed set of session colors, chosen to stay
// readable against a white document.
var defaultPalette = []string{
	"#e6194b", "#3cb44b", "#b8860b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#808000", "#008080",
	"#9a6324", "#800000",
}

// palette assigns caret colors to sessions: the least-recently-used hue not
// currently held by an active session. When every hue is taken the stalest
// assignment is shared.
type palette struct {
	clock clock.Clock

	mu        sync.Mutex
	colors    []string
	bySession map[string]string
	holders   map[string]int
	lastUsed  map[string]time.Time
}

func newPalette(colors []string, clk clock.Clock) *palette {
	if len(colors) == 0 {
		colors = defaultPalette
	}
	if clk == nil {
		clk = clock.New()
	}
	return &palette{
		clock:     clk,
		colors:    colors,
		bySession: make(map[string]string),
		holders:   make(map[string]int),
		lastUsed:  make(map[string]time.Time),
	}
}

// acquire assigns a color to a session, reusing its existing assignment if
// any.
func (p *palette) acquire(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if color, ok := p.bySession[sessionID]; ok {
		return color
	}

	best := ""
	for _, color := range p.colors {
		if p.holders[color] > 0 {
			continue
		}
		if best == "" || p.lastUsed[color].Before(p.lastUsed[best]) {
			best = color
		}
	}
	if best == "" {
		// Every hue is held; share the least-recently-assigned one.
		for _, color := range p.colors {
			if best == "" || p.lastUsed[color].Before(p.lastUsed[best]) {
				best = color
			}
		}
	}
	p.bySession[sessionID] = best
	p.holders[best]++
	p.lastUsed[best] = p.clock.Now()
	return best
}

// release returns a session's color to the free pool.
func (p *palette) release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color, ok := p.bySession[sessionID]
	if !ok {
		return
	}
	delete(p.bySession, sessionID)
	if p.holders[color] > 0 {
		p.holders[color]--
	}
	p.lastUsed[color] = p.clock.Now()
}
