package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

var defaultRecommendations = map[string][]string{
	domain.PatternBruteForce: {
		"Lock the affected user account temporarily",
		"Enforce an account lockout policy",
		"Notify the user about the suspicious login attempts",
		"Review access logs for the source address (Windows events 4625, 4624)",
		"Require multi-factor authentication for the account",
	},
	domain.PatternPrivilegeEscalation: {
		"Investigate the user account and its recent activity",
		"Review privilege assignments (Windows events 4672, 4673)",
		"Check for unauthorized group memberships (Windows event 4732)",
		"Apply the principle of least privilege",
		"Audit administrator accounts",
	},
	domain.PatternRansomware: {
		"IMMEDIATE: isolate the affected host from the network",
		"Verify backup integrity before restoring anything",
		"Identify patient zero and the attack vector",
		"Run a full anti-malware scan",
		"Engage the incident response team",
	},
	domain.PatternServiceInstall: {
		"Verify the service is legitimate",
		"Check the service executable signature",
		"Review service permissions and run-as account (Windows events 4697, 7045)",
		"Disable the service if it is suspicious",
		"Monitor the service activity",
	},
	domain.PatternResourceAnomaly: {
		"Identify the processes consuming CPU or memory",
		"Inspect active connections for unknown remote hosts",
		"Check for crypto-mining or denial-of-service activity",
		"Review recently started processes (Windows event 4688)",
	},
}

var fallbackRecommendations = []string{
	"Investigate immediately",
	"Document all findings",
	"Check system logs for related events",
	"Consider quarantining the affected host",
	"Escalate to the security team",
}

// Recommendations maps alert types to ordered response steps. It is data:
// operators can override any entry from a YAML file.
type Recommendations struct {
	byType   map[string][]string
	fallback []string
}

func DefaultRecommendations() *Recommendations {
	r := &Recommendations{
		byType:   make(map[string][]string, len(defaultRecommendations)),
		fallback: fallbackRecommendations,
	}
	for k, v := range defaultRecommendations {
		r.byType[k] = v
	}
	return r
}

// LoadRecommendations reads a YAML mapping of alert type to steps and layers
// it over the built-in table. The "default" key replaces the fallback list.
//
//	brute-force:
//	  - Lock the account
//	default:
//	  - Escalate
func LoadRecommendations(path string) (*Recommendations, error) {
	r := DefaultRecommendations()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recommendations: %w", err)
	}

	var overrides map[string][]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse recommendations %s: %w", path, err)
	}

	for alertType, steps := range overrides {
		cleaned := make([]string, 0, len(steps))
		for _, s := range steps {
			if s = strings.TrimSpace(s); s != "" {
				cleaned = append(cleaned, s)
			}
		}
		if alertType == "default" {
			r.fallback = cleaned
			continue
		}
		r.byType[alertType] = cleaned
	}
	return r, nil
}

// For returns a copy of the steps for an alert type.
func (r *Recommendations) For(alertType string) []string {
	steps, ok := r.byType[alertType]
	if !ok {
		steps = r.fallback
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out
}
