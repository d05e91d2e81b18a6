package domain

import "time"

// Pattern names double as alert types.
const (
	PatternBruteForce          = "brute-force"
	PatternPrivilegeEscalation = "privilege-escalation"
	PatternRansomware          = "ransomware"
	PatternServiceInstall      = "service-install"
	PatternResourceAnomaly     = "resource-anomaly"
)

// Detection is the ephemeral outcome of a pattern detector firing on one
// event. It is consumed immediately by the alert generator.
type Detection struct {
	PatternName    string
	CorrelationKey string
	Score          int
	Summary        string
	// Window is the detector's own window; it is the default alert cooldown.
	Window time.Duration
	// Related holds the events that made up the window, oldest first. IDs are
	// read after the triggering event has been persisted.
	Related []*Event
}

// RelatedEventIDs returns the ids of related events that were persisted,
// oldest first.
func (d *Detection) RelatedEventIDs() []int64 {
	if d == nil {
		return nil
	}
	ids := make([]int64, 0, len(d.Related))
	for _, ev := range d.Related {
		if ev != nil && ev.ID > 0 {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}
