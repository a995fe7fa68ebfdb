package radio

import "github.com/google/uuid"

// Fingerprint is an ordered collection of readings gathered for one
// observation context. There is no uniqueness constraint on source id: the
// same emitter may appear any number of times.
type Fingerprint struct {
	// ID labels the observation context.
	ID string

	Readings []Reading
}

// NewFingerprint builds a fingerprint over the given readings with a minted
// id.
func NewFingerprint(readings ...Reading) *Fingerprint {
	return &Fingerprint{ID: uuid.NewString(), Readings: readings}
}

// Len returns the number of readings.
func (f *Fingerprint) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Readings)
}

// ReadingsFor returns the readings that observed the given source id, in
// fingerprint order.
func (f *Fingerprint) ReadingsFor(sourceID string) []Reading {
	if f == nil {
		return nil
	}
	var out []Reading
	for _, r := range f.Readings {
		if r.SourceID == sourceID {
			out = append(out, r)
		}
	}
	return out
}
