package estimate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/radioloc/radioloc/multilateration"
	"github.com/radioloc/radioloc/pathloss"
	"github.com/radioloc/radioloc/radio"
)

// Channel tags the measurement channel a derived sample came from.
type Channel int

const (
	ChannelRanging Channel = iota
	ChannelRSSI
)

func (c Channel) String() string {
	if c == ChannelRanging {
		return "ranging"
	}
	return "rssi"
}

// SampleSet holds parallel sequences of derived distance samples. DeriveSamples
// appends to it without clearing: callers reusing a set must Reset first.
type SampleSet struct {
	Positions [][]float64
	Distances []float64
	StdDevs   []float64
	Qualities []float64
	Channels  []Channel

	// RSSIs holds the original dBm measurement of RSSI-channel samples and
	// NaN for ranging-channel samples.
	RSSIs []float64

	// Sources references the matched emitter of each sample.
	Sources []*radio.Source
}

// Len returns the number of derived samples.
func (s *SampleSet) Len() int { return len(s.Distances) }

// Reset clears the set for reuse, keeping allocations.
func (s *SampleSet) Reset() {
	s.Positions = s.Positions[:0]
	s.Distances = s.Distances[:0]
	s.StdDevs = s.StdDevs[:0]
	s.Qualities = s.Qualities[:0]
	s.Channels = s.Channels[:0]
	s.RSSIs = s.RSSIs[:0]
	s.Sources = s.Sources[:0]
}

// Sample materializes sample i for the multilateration solvers.
func (s *SampleSet) Sample(i int) multilateration.Sample {
	return multilateration.Sample{
		Position: s.Positions[i],
		Distance: s.Distances[i],
		StdDev:   s.StdDevs[i],
	}
}

func (s *SampleSet) append(pos []float64, dist, std, quality float64, ch Channel, rssi float64, src *radio.Source) {
	s.Positions = append(s.Positions, pos)
	s.Distances = append(s.Distances, dist)
	s.StdDevs = append(s.StdDevs, std)
	s.Qualities = append(s.Qualities, quality)
	s.Channels = append(s.Channels, ch)
	s.RSSIs = append(s.RSSIs, rssi)
	s.Sources = append(s.Sources, src)
}

// DeriveConfig tunes sample derivation.
type DeriveConfig struct {
	// UsePositionCovariance folds source and receiver position covariance
	// into the distance standard deviation of RSSI samples.
	UsePositionCovariance bool

	// FallbackStdDev is the distance standard deviation assumed for samples
	// that carry no uncertainty information. Must be positive.
	FallbackStdDev float64

	// QualityScores holds one a-priori confidence score per fingerprint
	// reading. Nil assigns every derived sample quality 1. A mixed reading
	// replicates its score onto both derived samples.
	QualityScores []float64
}

// DefaultDeriveConfig returns the derivation defaults.
func DefaultDeriveConfig() DeriveConfig {
	return DeriveConfig{FallbackStdDev: 1.0}
}

// DeriveSamples converts a fingerprint of heterogeneous readings against the
// known sources into uniform distance samples appended to out.
//
// Per matched reading:
//   - a ranging channel contributes one sample whose distance is the
//     measurement itself;
//   - an RSSI channel contributes one sample whose distance comes from
//     inverting the path-loss law with the source's transmitted power and
//     path-loss exponent; sources lacking either contribute nothing;
//   - a combined reading therefore contributes two samples sharing one
//     receiver position. The doubling is intentional: the two channels are
//     independent evidence.
//
// Empty source or fingerprint inputs leave out untouched. A non-positive
// fallback standard deviation or a quality-score length mismatch fails with
// ErrInvalidArgument.
func DeriveSamples(sources []*radio.Source, fp *radio.Fingerprint, cfg DeriveConfig, out *SampleSet) error {
	if cfg.FallbackStdDev <= 0 {
		return fmt.Errorf("%w: fallback std-dev %v must be positive", ErrInvalidArgument, cfg.FallbackStdDev)
	}
	if len(sources) == 0 || fp.Len() == 0 {
		return nil
	}
	if cfg.QualityScores != nil && len(cfg.QualityScores) != fp.Len() {
		return fmt.Errorf("%w: %d quality scores for %d readings", ErrInvalidArgument, len(cfg.QualityScores), fp.Len())
	}

	byID := make(map[string]*radio.Source, len(sources))
	for _, s := range sources {
		if _, dup := byID[s.ID]; !dup {
			byID[s.ID] = s
		}
	}

	for i, r := range fp.Readings {
		src, ok := byID[r.SourceID]
		if !ok {
			continue
		}
		pos := r.ReceiverPosition
		if pos == nil {
			pos = src.Position
		}
		if pos == nil {
			continue
		}
		quality := 1.0
		if cfg.QualityScores != nil {
			quality = cfg.QualityScores[i]
		}

		if r.HasRanging() {
			std := cfg.FallbackStdDev
			if r.DistanceStdDev != nil {
				std = *r.DistanceStdDev
			}
			out.append(pos, r.Distance, std, quality, ChannelRanging, math.NaN(), src)
		}

		if r.HasRSSI() && src.HasTransmittedPower() {
			tx := *src.TransmittedPowerDbm
			exponent := *src.PathLossExponent
			dist := pathloss.DistanceFromDbm(tx, r.RSSI, src.Frequency, exponent)
			if !(dist > 0) || math.IsInf(dist, 0) {
				continue
			}

			variance := 0.0
			if r.RSSIStdDev != nil {
				dd := pathloss.DistanceRssiDerivative(dist, exponent)
				variance += dd * dd * (*r.RSSIStdDev) * (*r.RSSIStdDev)
			}
			if src.TransmittedPowerStdDev != nil {
				dd := pathloss.DistanceTxPowerDerivative(dist, exponent)
				variance += dd * dd * (*src.TransmittedPowerStdDev) * (*src.TransmittedPowerStdDev)
			}
			if cfg.UsePositionCovariance {
				variance += isotropicVariance(src.PositionCovariance)
				variance += isotropicVariance(r.ReceiverPositionCovariance)
			}

			std := cfg.FallbackStdDev
			if variance > 0 {
				std = math.Sqrt(variance)
			}
			out.append(pos, dist, std, quality, ChannelRSSI, r.RSSI, src)
		}
	}
	return nil
}

// isotropicVariance collapses a position covariance to a scalar distance
// variance contribution (mean of the diagonal). The direction to the emitter
// is unknown at derivation time, so the isotropic average stands in for the
// line-of-sight projection.
func isotropicVariance(cov *mat.SymDense) float64 {
	if cov == nil {
		return 0
	}
	n := cov.SymmetricDim()
	if n == 0 {
		return 0
	}
	var tr float64
	for i := 0; i < n; i++ {
		tr += cov.At(i, i)
	}
	return tr / float64(n)
}
