package detection

import (
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// Config groups the tunables of every detector.
type Config struct {
	BruteForce          BruteForceConfig
	PrivilegeEscalation PrivilegeEscalationConfig
	Ransomware          RansomwareConfig
	ServiceInstall      ServiceInstallConfig
	Resource            ResourceConfig
}

func DefaultConfig() Config {
	return Config{
		BruteForce:          DefaultBruteForceConfig(),
		PrivilegeEscalation: DefaultPrivilegeEscalationConfig(),
		Ransomware:          DefaultRansomwareConfig(),
		ServiceInstall:      DefaultServiceInstallConfig(),
		Resource:            DefaultResourceConfig(),
	}
}

// NewDetectors builds the detector set in priority order. When two detectors
// fire with the same score on one event, the earlier one wins.
func NewDetectors(store *WindowStore, cfg Config) []ports.PatternDetector {
	return []ports.PatternDetector{
		NewBruteForceDetector(store, cfg.BruteForce),
		NewPrivilegeEscalationDetector(store, cfg.PrivilegeEscalation),
		NewRansomwareDetector(store, cfg.Ransomware),
		NewServiceInstallDetector(store, cfg.ServiceInstall),
		NewResourceAnomalyDetector(store, cfg.Resource),
	}
}
