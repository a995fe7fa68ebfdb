// Package pathloss implements the free-space path-loss propagation model used
// to convert between received signal strength and distance.
//
// All functions are pure. Power values are linear watts unless a name says
// dBm. Domain constraints (distance > 0, frequency > 0, exponent > 0) are the
// caller's responsibility; out-of-domain inputs produce NaN/Inf rather than
// errors.
package pathloss

import "math"

// SpeedOfLight is the propagation speed used by the free-space model (m/s).
const SpeedOfLight = 299792458.0

// FreeSpaceExponent is the path-loss exponent of unobstructed propagation.
// Indoor environments typically fall between 1.6 and 3.5.
const FreeSpaceExponent = 2.0

// ln10over10 shows up in every dB-domain derivative.
const ln10over10 = math.Ln10 / 10.0

// wavelengthFactor returns c/(4*pi*f), the term raised to the path-loss
// exponent in the free-space law.
func wavelengthFactor(frequency float64) float64 {
	return SpeedOfLight / (4.0 * math.Pi * frequency)
}

// DbmToWatts converts a dBm power value to linear watts.
func DbmToWatts(dbm float64) float64 {
	return math.Pow(10.0, dbm/10.0) / 1000.0
}

// WattsToDbm converts a linear watt power value to dBm.
func WattsToDbm(watts float64) float64 {
	return 10.0 * math.Log10(watts*1000.0)
}

// ReceivedPower returns the power (watts) observed at the given distance from
// an emitter transmitting txPower watts at the given carrier frequency (Hz),
// under the free-space law
//
//	rx = tx * (c/(4*pi*f))^n / d^n
func ReceivedPower(txPower, distance, frequency, exponent float64) float64 {
	k := wavelengthFactor(frequency)
	return txPower * math.Pow(k/distance, exponent)
}

// Distance inverts ReceivedPower: it returns the distance (meters) at which
// an emitter transmitting txPower watts is observed as rxPower watts.
func Distance(txPower, rxPower, frequency, exponent float64) float64 {
	k := wavelengthFactor(frequency)
	return k * math.Pow(txPower/rxPower, 1.0/exponent)
}

// ReceivedPowerDbm is ReceivedPower in the dB domain:
//
//	rx_dBm = tx_dBm + 10*n*log10(c/(4*pi*f)) - 10*n*log10(d)
func ReceivedPowerDbm(txDbm, distance, frequency, exponent float64) float64 {
	k := wavelengthFactor(frequency)
	return txDbm + 10.0*exponent*(math.Log10(k)-math.Log10(distance))
}

// DistanceFromDbm recovers a distance from a dBm RSSI measurement given the
// emitter's transmitted power (dBm), carrier frequency (Hz) and path-loss
// exponent.
func DistanceFromDbm(txDbm, rssiDbm, frequency, exponent float64) float64 {
	k := wavelengthFactor(frequency)
	return k * math.Pow(10.0, (txDbm-rssiDbm)/(10.0*exponent))
}

// DistanceRssiDerivative returns d(distance)/d(rssi_dBm) at the given
// operating point. Used to propagate RSSI standard deviation into distance
// standard deviation.
func DistanceRssiDerivative(distance, exponent float64) float64 {
	return -distance * ln10over10 / exponent
}

// DistanceTxPowerDerivative returns d(distance)/d(txPower_dBm) at the given
// operating point.
func DistanceTxPowerDerivative(distance, exponent float64) float64 {
	return distance * ln10over10 / exponent
}

// DistanceExponentDerivative returns d(distance)/d(exponent) at the given
// operating point, where txDbm-rssiDbm is the measured path loss in dB.
func DistanceExponentDerivative(distance, txDbm, rssiDbm, exponent float64) float64 {
	return -distance * ln10over10 * (txDbm - rssiDbm) / (exponent * exponent)
}
