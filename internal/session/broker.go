package session

import (
	"sync"

	"mcpproxy/internal/capability"
	"mcpproxy/pkg/logging"
)

// Broker is the Notification Broker of spec §4.9: it subscribes to the
// capability aggregator's change events and re-emits list-changed notifications to every session whose TagFilter
// admits at least one of the changed items. Grounded on the teacher's
// updateChan + "notifyUpdate" fan-out in internal/aggregator/registry.go,
// generalized from one global broadcast to a per-session admission check.
type Broker struct {
	mu       sync.RWMutex
	sessions *Manager
	tagsOf   TagsLookup

	// presetSessions maps a preset name to the sessionIds currently
	// registered under it, for preset-scoped notification delivery.
	presetSessions map[string]map[string]struct{}
}

// NewBroker builds a broker that delivers notifications to sessions, using
// tagsOf to resolve a backend's tags for admission checks. The companion
// session Manager is supplied afterwards via SetManager, since NewManager
// itself takes a *Broker and would otherwise create a construction cycle.
func NewBroker(tagsOf TagsLookup) *Broker {
	return &Broker{
		tagsOf:         tagsOf,
		presetSessions: make(map[string]map[string]struct{}),
	}
}

// SetManager completes the broker's wiring once the companion session
// Manager exists.
func (b *Broker) SetManager(mgr *Manager) {
	b.mu.Lock()
	b.sessions = mgr
	b.mu.Unlock()
}

// RegisterPreset records that sessionID is scoped to presetName, so it also
// receives notifications addressed to that preset (spec §4.9 "A session
// with a preset name also receives preset-scoped notifications addressed to
// that name").
func (b *Broker) RegisterPreset(sessionID, presetName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.presetSessions[presetName]
	if !ok {
		set = make(map[string]struct{})
		b.presetSessions[presetName] = set
	}
	set[sessionID] = struct{}{}
}

// Forget removes sessionID from every preset's registration, called on
// session disconnect.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for preset, set := range b.presetSessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(b.presetSessions, preset)
		}
	}
}

// OnCapabilitiesChanged is subscribed to capability.EventCapabilitiesChanged.
// It re-emits the appropriate notifications/*/list_changed message to every
// session whose filter admits at least one backend in AddedBackends or
// RemovedBackends, since those are the only ones whose visible set could
// have shifted under a per-session filter (spec §4.9 "Matching").
func (b *Broker) OnCapabilitiesChanged(payload any) {
	changes, ok := payload.(capability.Changes)
	if !ok {
		return
	}

	touched := make(map[string]struct{}, len(changes.AddedBackends)+len(changes.RemovedBackends))
	for _, name := range changes.AddedBackends {
		touched[name] = struct{}{}
	}
	for _, name := range changes.RemovedBackends {
		touched[name] = struct{}{}
	}

	b.mu.RLock()
	mgr := b.sessions
	b.mu.RUnlock()
	if mgr == nil {
		return
	}

	for _, sess := range mgr.All() {
		if sess.Status() != StatusConnected {
			continue
		}
		if !b.admitsAny(sess, touched) {
			continue
		}
		mgr.Resync(sess)
		if changes.ToolsChanged {
			b.deliver(sess, "notifications/tools/list_changed")
		}
		if changes.ResourcesChanged {
			b.deliver(sess, "notifications/resources/list_changed")
		}
		if changes.PromptsChanged {
			b.deliver(sess, "notifications/prompts/list_changed")
		}
	}
}

func (b *Broker) admitsAny(sess *InboundSession, backends map[string]struct{}) bool {
	if len(backends) == 0 {
		return true // an unattributed change (no backend added or removed) is delivered broadly
	}
	for name := range backends {
		if sess.Filter.Matches(b.tagsOf(name)) {
			return true
		}
	}
	return false
}

// deliver sends method to sess's façade. Delivery is best-effort and lossy
// under backpressure: failures (including a facade whose transport is not
// Connected) are logged and dropped rather than retried (spec §4.9
// "Delivery").
func (b *Broker) deliver(sess *InboundSession, method string) {
	facade := sess.Facade()
	if facade == nil {
		return
	}
	if err := facade.SendNotificationToSpecificClient(sess.SessionID, method, nil); err != nil {
		logging.Debug("NotificationBroker", "dropping %s for session %q: %v", method, sess.SessionID, err)
	}
}

// PresetSessionIDs returns the sessionIds currently registered under
// presetName, for preset-scoped notification senders outside this package.
func (b *Broker) PresetSessionIDs(presetName string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.presetSessions[presetName]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
