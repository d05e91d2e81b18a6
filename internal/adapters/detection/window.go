// Package detection implements the host attack-pattern detectors.
//
// Every detector is stateful only through a shared sliding-window store,
// keyed as "<pattern>:<correlation key>" so windows of different detectors
// never collide. Detectors check relevance by event type before touching
// the store.
//
// Detectors:
//   - Brute force: repeated failed logins per user or source address
//   - Privilege escalation: privilege grants and admin-group additions
//   - Ransomware: bursts of file mutations under one directory root
//   - Service installation: service installs on the host
//   - Resource anomaly: sustained CPU/memory pressure, connection floods
package detection

import (
	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/pkg/slidingwindow"
)

// WindowStore holds the events that make up every detector window.
type WindowStore = slidingwindow.Store[*domain.Event]

func NewWindowStore(cfg slidingwindow.Config) *WindowStore {
	return slidingwindow.New[*domain.Event](cfg)
}

// fitThreshold raises the store's entry cap when a window must count up to
// threshold; a saturated window could never reach it.
func fitThreshold(store *WindowStore, threshold int) {
	if store != nil && threshold > store.MaxEntriesPerKey() {
		store.SetMaxEntriesPerKey(threshold)
	}
}

func windowKey(pattern, key string) string {
	return pattern + ":" + key
}

func relatedEvents(entries []slidingwindow.Entry[*domain.Event]) []*domain.Event {
	out := make([]*domain.Event, 0, len(entries))
	for _, e := range entries {
		if e.Value != nil {
			out = append(out, e.Value)
		}
	}
	return out
}
