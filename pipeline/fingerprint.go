package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
)

// Fingerprint is a deterministic hex digest over a stage's resolved inputs.
// It is the cache key for the stage's artifact: two runs with identical
// inputs at every upstream stage yield identical fingerprints at every
// downstream stage, and any upstream change invalidates every dependent
// fingerprint transitively (upstream fingerprints are hashed in).
type Fingerprint string

// Fingerprinter computes stage fingerprints. The zero value is ready to use.
//
// The digest covers, in fixed order and length-prefixed to prevent
// ambiguity: the stage name, the stage's current artifact schema version,
// the raw input reference (video checksum) when the stage reads the source
// directly, canonical JSON of the profile when the stage declares it, and
// the fingerprints of the stage's upstream dependencies.
type Fingerprinter struct{}

// Compute derives the fingerprint for a stage given the run's raw input
// reference, profile, and the fingerprints of already-visited upstream
// stages. It fails if a declared dependency's fingerprint is missing.
func (Fingerprinter) Compute(stage Stage, videoChecksum string, profile Profile, upstream map[Stage]Fingerprint) (Fingerprint, error) {
	if !stage.Valid() {
		return "", &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	h := sha256.New()
	writeComponent(h, string(stage))
	writeComponent(h, strconv.Itoa(CurrentVersion(stage)))
	if stage.UsesSource() {
		writeComponent(h, videoChecksum)
	}
	if stage.UsesProfile() {
		// json.Marshal sorts map keys, so the encoding is canonical.
		raw, err := json.Marshal(profile)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: encode profile: %w", stage, err)
		}
		writeComponent(h, string(raw))
	}
	for _, dep := range stage.Dependencies() {
		fp, ok := upstream[dep]
		if !ok {
			return "", fmt.Errorf("fingerprint %s: missing upstream fingerprint for %s", stage, dep)
		}
		writeComponent(h, string(dep))
		writeComponent(h, string(fp))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// writeComponent length-prefixes each component so that concatenation
// boundaries cannot collide across components.
func writeComponent(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
