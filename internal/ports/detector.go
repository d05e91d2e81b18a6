// Package ports defines the primary and secondary port interfaces following
// hexagonal architecture (ports and adapters pattern).
//
// This package contains interfaces that define the contract between the core
// pipeline and external infrastructure (event sources, persistence, subscribers).
//
// Design Principles:
//   - Interfaces are small and focused (Interface Segregation Principle)
//   - Dependencies flow inward (core domain has no external dependencies)
//   - Implementations provided by adapters in internal/adapters/
package ports

import (
	"context"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// PatternDetector recognizes one attack pattern from the current event plus
// the sliding-window state it owns.
//
// Implementations:
//   - BruteForceDetector: repeated failed logins per identity
//   - PrivilegeEscalationDetector: privilege grants and admin-group additions
//   - RansomwareDetector: bursts of file mutations under one directory root
//   - ServiceInstallDetector: service installations on the host
//   - ResourceAnomalyDetector: sustained CPU/memory pressure, connection floods
//
// Thread Safety: Detect is called from the single pipeline consumer, but the
// window state behind it may be read concurrently by diagnostics.
type PatternDetector interface {
	// Detect inspects an event and reports whether the pattern fired.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - event: Enriched, persisted event (ID is set)
	//
	// Returns:
	//   - Detection when the pattern's trigger condition holds
	//   - nil when the event is irrelevant or the threshold is not reached
	//
	// Contract:
	//   - MUST ignore events outside its type set before touching window state
	//   - MUST NOT modify the event
	//   - MAY panic on malformed input; the analyzer recovers per detector
	Detect(ctx context.Context, event *domain.Event) *domain.Detection

	// Name returns the pattern name, which is also the alert type.
	Name() string
}
