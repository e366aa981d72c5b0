package capability

import (
	"sort"
	"strings"
	"sync"

	"mcpproxy/internal/events"
	"mcpproxy/internal/tagfilter"
)

// EventInstructionsChanged fires with the new concatenated string whenever
// the instruction text changes (spec §4.4).
const EventInstructionsChanged = "instructions-changed"

// InstructionAggregator concatenates each ready backend's instruction block
// into one deterministic string, ordered by backend name.
type InstructionAggregator struct {
	mu      sync.RWMutex
	backends backendSource
	events  *events.Bus
	current string
}

// NewInstructionAggregator builds an instruction aggregator over backends.
func NewInstructionAggregator(backends backendSource, bus *events.Bus) *InstructionAggregator {
	return &InstructionAggregator{backends: backends, events: bus}
}

// Current returns the last computed instruction text.
func (a *InstructionAggregator) Current() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Refresh recomputes the instruction text from the connection manager's
// ready set in backend-name order and emits instructions-changed if it
// differs from the previous value.
func (a *InstructionAggregator) Refresh() string {
	conns := a.backends.Connected()

	names := make([]string, len(conns))
	byName := make(map[string]string, len(conns))
	for i, c := range conns {
		names[i] = c.Name
		byName[c.Name] = c.Config.Instructions
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		text := strings.TrimSpace(byName[name])
		if text != "" {
			parts = append(parts, text)
		}
	}
	next := strings.Join(parts, "\n\n")

	a.mu.Lock()
	changed := next != a.current
	a.current = next
	a.mu.Unlock()

	if changed {
		a.events.Emit(EventInstructionsChanged, next)
	}
	return next
}

// FilteredText concatenates the instruction blocks of only the backends
// admitted under filter, in the same sorted-name order as Refresh. Used by
// the session manager to embed a per-client instruction set at façade
// handshake (spec §4.7 step "applies per-client tag/preset filtering").
func (a *InstructionAggregator) FilteredText(filter tagfilter.TagFilter) string {
	conns := a.backends.Connected()

	names := make([]string, 0, len(conns))
	byName := make(map[string]string, len(conns))
	for _, c := range conns {
		if !filter.Matches(c.Tags()) {
			continue
		}
		names = append(names, c.Name)
		byName[c.Name] = c.Config.Instructions
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		text := strings.TrimSpace(byName[name])
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
