package ports

// ProcessingObserver observes pipeline outcomes for every event, not just
// the ones that produce alerts.
//
// Thread Safety: Implementations MUST be safe for concurrent calls.
type ProcessingObserver interface {
	// IncrementEventsProcessedByResult records the outcome of one event.
	//
	// Parameters:
	//   - result: "clean", "detected", "alerted", "suppressed", "storage_error" or "panic"
	IncrementEventsProcessedByResult(result string)

	// ObserveProcessingTime records the pipeline latency of one event.
	ObserveProcessingTime(seconds float64)

	// IncrementDetectorFaults counts a recovered detector panic.
	IncrementDetectorFaults(detector string)

	// IncrementBackpressure counts an event rejected at Submit.
	IncrementBackpressure(source string)
}
