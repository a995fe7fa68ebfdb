// Package radio holds the data model shared by the localization estimators: a
// located emitter (Source), a single field measurement (Reading) and an
// ordered collection of measurements (Fingerprint).
//
// Values in this package are read-only collaborators: estimators reference
// them but never mutate them, and callers own their lifetime.
package radio

import (
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// Kind distinguishes the emitter families the estimators can locate. The
// estimation algorithms are identical for both; the tag exists so callers can
// round-trip their own typed sources through an estimation pass.
type Kind int

const (
	KindAccessPoint Kind = iota // WiFi access point
	KindBeacon                  // Bluetooth beacon
)

func (k Kind) String() string {
	switch k {
	case KindAccessPoint:
		return "access-point"
	case KindBeacon:
		return "beacon"
	default:
		return "unknown"
	}
}

// Source is a radio emitter with optional known location and propagation
// parameters. Optional fields are pointers; nil means unknown. A Source is
// immutable once constructed.
type Source struct {
	// ID identifies the emitter (a MAC-like identifier for access points, a
	// beacon identifier set collapsed to one string for beacons).
	ID string

	Kind Kind

	// Frequency is the carrier frequency in Hz.
	Frequency float64

	// Position is the known emitter position (2 or 3 coordinates), nil if
	// unknown.
	Position []float64

	// PositionCovariance is the uncertainty of Position, nil if unknown.
	PositionCovariance *mat.SymDense

	// TransmittedPowerDbm is the known equivalent transmitted power at 1m,
	// in dBm. Required for converting RSSI readings to distances.
	TransmittedPowerDbm *float64

	// TransmittedPowerStdDev is the standard deviation of
	// TransmittedPowerDbm, in dB.
	TransmittedPowerStdDev *float64

	// PathLossExponent is the known propagation decay exponent (2.0 is free
	// space), nil if unknown.
	PathLossExponent *float64

	// PathLossExponentStdDev is the standard deviation of PathLossExponent.
	PathLossExponentStdDev *float64
}

// NewAccessPoint builds a WiFi access-point source. An empty id mints a
// random one.
func NewAccessPoint(id string, frequency float64, position []float64) *Source {
	if id == "" {
		id = uuid.NewString()
	}
	return &Source{ID: id, Kind: KindAccessPoint, Frequency: frequency, Position: position}
}

// NewBeacon builds a Bluetooth beacon source. An empty id mints a random one.
func NewBeacon(id string, frequency float64, position []float64) *Source {
	if id == "" {
		id = uuid.NewString()
	}
	return &Source{ID: id, Kind: KindBeacon, Frequency: frequency, Position: position}
}

// WithTransmittedPower returns a copy of s carrying a known transmitted power
// (dBm) and path-loss exponent.
func (s *Source) WithTransmittedPower(txDbm, exponent float64) *Source {
	out := *s
	out.TransmittedPowerDbm = &txDbm
	out.PathLossExponent = &exponent
	return &out
}

// HasPosition reports whether the emitter position is known.
func (s *Source) HasPosition() bool { return len(s.Position) > 0 }

// HasTransmittedPower reports whether both the transmitted power and the
// path-loss exponent are known, i.e. whether RSSI readings against this
// source can be converted to distances.
func (s *Source) HasTransmittedPower() bool {
	return s.TransmittedPowerDbm != nil && s.PathLossExponent != nil
}

// Dims returns the dimensionality of the known position, 0 if unknown.
func (s *Source) Dims() int { return len(s.Position) }

// Float64 is a convenience for building optional numeric fields.
func Float64(v float64) *float64 { return &v }

// EuclideanDistance returns the distance between two points of equal
// dimensionality. It returns NaN on mismatched lengths.
func EuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
