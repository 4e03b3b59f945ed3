package pipeline

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// chainFingerprints computes fingerprints for every stage in dependency
// order, the way the orchestrator does during a run.
func chainFingerprints(t interface{ Fatalf(string, ...any) }, checksum string, profile Profile) map[Stage]Fingerprint {
	var fp Fingerprinter
	out := make(map[Stage]Fingerprint)
	for _, stage := range Stages() {
		f, err := fp.Compute(stage, checksum, profile, out)
		if err != nil {
			t.Fatalf("compute %s: %v", stage, err)
		}
		out[stage] = f
	}
	return out
}

// TestFingerprintDeterminism verifies that identical inputs at every
// upstream stage yield identical fingerprints at every downstream stage.
func TestFingerprintDeterminism(t *testing.T) {
	t.Parallel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs yield identical fingerprints", prop.ForAll(
		func(checksum, level string) bool {
			profile := Profile{"level": level}
			a := chainFingerprints(t, checksum, profile)
			b := chainFingerprints(t, checksum, profile)
			for _, stage := range Stages() {
				if a[stage] != b[stage] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("distinct stages yield distinct fingerprints", prop.ForAll(
		func(checksum string) bool {
			fps := chainFingerprints(t, checksum, Profile{"level": "Beginner"})
			seen := make(map[Fingerprint]bool)
			for _, f := range fps {
				if seen[f] {
					return false
				}
				seen[f] = true
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestFingerprintSourceChangePropagates verifies that changing the raw input
// invalidates every downstream fingerprint transitively.
func TestFingerprintSourceChangePropagates(t *testing.T) {
	t.Parallel()
	profile := Profile{"level": "Intermediate", "goals": "loop consistency"}
	a := chainFingerprints(t, "v1", profile)
	b := chainFingerprints(t, "v2", profile)
	for _, stage := range Stages() {
		require.NotEqual(t, a[stage], b[stage], "stage %s must be invalidated by a source change", stage)
	}
}

// TestFingerprintProfileChangeSparesPerception verifies the per-stage
// invalidation rationale: perception does not depend on the profile, so a
// profile-only change leaves its fingerprint (and cache entry) intact while
// invalidating evaluation, diagnosis and coaching.
func TestFingerprintProfileChangeSparesPerception(t *testing.T) {
	t.Parallel()
	a := chainFingerprints(t, "v1", Profile{"level": "Beginner"})
	b := chainFingerprints(t, "v1", Profile{"level": "Advanced"})

	require.Equal(t, a[StagePerception], b[StagePerception])
	for _, stage := range []Stage{StageEvaluation, StageDiagnosis, StageCoaching} {
		require.NotEqual(t, a[stage], b[stage], "stage %s must be invalidated by a profile change", stage)
	}
}

func TestFingerprintMissingUpstream(t *testing.T) {
	t.Parallel()
	var fp Fingerprinter
	_, err := fp.Compute(StageEvaluation, "v1", Profile{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing upstream fingerprint")
}

func TestFingerprintUnknownStage(t *testing.T) {
	t.Parallel()
	var fp Fingerprinter
	_, err := fp.Compute(Stage("render"), "v1", nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}
