package radio

import "gonum.org/v1/gonum/mat"

// ReadingKind selects the measurement channel(s) a Reading carries.
type ReadingKind int

const (
	// ReadingRanging carries a measured physical distance (e.g. RTT or UWB
	// two-way ranging).
	ReadingRanging ReadingKind = iota
	// ReadingRSSI carries a received-signal-strength value in dBm.
	ReadingRSSI
	// ReadingRangingAndRSSI carries both channels measured at the same
	// receiver location. The two channels are independent evidence and are
	// expanded into two distance samples downstream.
	ReadingRangingAndRSSI
)

func (k ReadingKind) String() string {
	switch k {
	case ReadingRanging:
		return "ranging"
	case ReadingRSSI:
		return "rssi"
	case ReadingRangingAndRSSI:
		return "ranging+rssi"
	default:
		return "unknown"
	}
}

// Reading ties one emitter identity to one observation taken at one receiver
// location. Optional fields are nil when not measured.
type Reading struct {
	// SourceID names the emitter this reading observed.
	SourceID string

	Kind ReadingKind

	// Distance is the measured distance in meters (ranging channels only).
	Distance float64

	// DistanceStdDev is the ranging measurement standard deviation, nil if
	// the receiver does not report one.
	DistanceStdDev *float64

	// RSSI is the received signal strength in dBm (RSSI channels only).
	RSSI float64

	// RSSIStdDev is the RSSI measurement standard deviation in dB, nil if
	// the receiver does not report one.
	RSSIStdDev *float64

	// ReceiverPosition is where the observation was taken. When nil the
	// source's own known position is used instead (the fixed-infrastructure
	// case where located anchors observe a roaming emitter is the usual
	// reason for it to be set).
	ReceiverPosition []float64

	// ReceiverPositionCovariance is the uncertainty of ReceiverPosition.
	ReceiverPositionCovariance *mat.SymDense
}

// NewRangingReading builds a distance-only reading taken at receiverPos.
func NewRangingReading(sourceID string, distance float64, receiverPos []float64) Reading {
	return Reading{
		SourceID:         sourceID,
		Kind:             ReadingRanging,
		Distance:         distance,
		ReceiverPosition: receiverPos,
	}
}

// NewRSSIReading builds a signal-strength-only reading taken at receiverPos.
func NewRSSIReading(sourceID string, rssiDbm float64, receiverPos []float64) Reading {
	return Reading{
		SourceID:         sourceID,
		Kind:             ReadingRSSI,
		RSSI:             rssiDbm,
		ReceiverPosition: receiverPos,
	}
}

// NewRangingAndRSSIReading builds a combined reading taken at receiverPos.
func NewRangingAndRSSIReading(sourceID string, distance, rssiDbm float64, receiverPos []float64) Reading {
	return Reading{
		SourceID:         sourceID,
		Kind:             ReadingRangingAndRSSI,
		Distance:         distance,
		RSSI:             rssiDbm,
		ReceiverPosition: receiverPos,
	}
}

// WithDistanceStdDev returns a copy of r carrying a ranging standard
// deviation.
func (r Reading) WithDistanceStdDev(std float64) Reading {
	r.DistanceStdDev = &std
	return r
}

// WithRSSIStdDev returns a copy of r carrying an RSSI standard deviation.
func (r Reading) WithRSSIStdDev(std float64) Reading {
	r.RSSIStdDev = &std
	return r
}

// HasRanging reports whether the reading carries a distance channel.
func (r Reading) HasRanging() bool {
	return r.Kind == ReadingRanging || r.Kind == ReadingRangingAndRSSI
}

// HasRSSI reports whether the reading carries a signal-strength channel.
func (r Reading) HasRSSI() bool {
	return r.Kind == ReadingRSSI || r.Kind == ReadingRangingAndRSSI
}
