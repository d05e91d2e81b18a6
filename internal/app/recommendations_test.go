package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

func TestDefaultRecommendations(t *testing.T) {
	r := DefaultRecommendations()

	for _, pattern := range []string{
		domain.PatternBruteForce,
		domain.PatternPrivilegeEscalation,
		domain.PatternRansomware,
		domain.PatternServiceInstall,
		domain.PatternResourceAnomaly,
	} {
		assert.NotEmpty(t, r.For(pattern), pattern)
	}
	assert.Equal(t, fallbackRecommendations, r.For("unheard-of"))
}

func TestRecommendations_ForReturnsCopy(t *testing.T) {
	r := DefaultRecommendations()
	steps := r.For(domain.PatternRansomware)
	steps[0] = "tampered"
	assert.NotEqual(t, "tampered", r.For(domain.PatternRansomware)[0])
}

func TestLoadRecommendations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recommendations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ransomware:
  - "Pull the network cable"
  - "  "
  - "Call the IR retainer"
default:
  - "Page the on-call analyst"
`), 0o644))

	r, err := LoadRecommendations(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Pull the network cable", "Call the IR retainer"}, r.For(domain.PatternRansomware))
	assert.Equal(t, DefaultRecommendations().For(domain.PatternBruteForce), r.For(domain.PatternBruteForce))
	assert.Equal(t, []string{"Page the on-call analyst"}, r.For("unheard-of"))
}

func TestLoadRecommendations_Errors(t *testing.T) {
	_, err := LoadRecommendations(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ransomware: [unterminated"), 0o644))
	_, err = LoadRecommendations(path)
	assert.Error(t, err)

	r, err := LoadRecommendations("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.For(domain.PatternRansomware))
}
