package pathloss

import (
	"math"
	"testing"
)

const freq24GHz = 2.4e9

func TestDbmWattsRoundTrip(t *testing.T) {
	for _, dbm := range []float64{-90, -40, 0, 17, 30} {
		w := DbmToWatts(dbm)
		back := WattsToDbm(w)
		if math.Abs(back-dbm) > 1e-9 {
			t.Errorf("round trip %v dBm -> %v W -> %v dBm", dbm, w, back)
		}
	}

	// Anchor values: 0 dBm is one milliwatt, 30 dBm is one watt.
	if got := DbmToWatts(0); math.Abs(got-1e-3) > 1e-12 {
		t.Errorf("0 dBm = %v W, want 1e-3", got)
	}
	if got := DbmToWatts(30); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("30 dBm = %v W, want 1.0", got)
	}
}

func TestDistanceInvertsReceivedPower(t *testing.T) {
	tx := DbmToWatts(-5.0)
	for _, exponent := range []float64{1.6, 2.0, 2.8} {
		for _, d := range []float64{0.5, 3.0, 25.0, 120.0} {
			rx := ReceivedPower(tx, d, freq24GHz, exponent)
			back := Distance(tx, rx, freq24GHz, exponent)
			if math.Abs(back-d) > 1e-9*d {
				t.Errorf("n=%v d=%v: recovered %v", exponent, d, back)
			}
		}
	}
}

func TestDbmDomainAgreesWithLinearDomain(t *testing.T) {
	const txDbm = -5.0
	const exponent = 2.3
	for _, d := range []float64{1.0, 7.5, 60.0} {
		rssiLinear := WattsToDbm(ReceivedPower(DbmToWatts(txDbm), d, freq24GHz, exponent))
		rssiDb := ReceivedPowerDbm(txDbm, d, freq24GHz, exponent)
		if math.Abs(rssiLinear-rssiDb) > 1e-9 {
			t.Errorf("d=%v: linear path %v dBm, dB path %v dBm", d, rssiLinear, rssiDb)
		}

		back := DistanceFromDbm(txDbm, rssiDb, freq24GHz, exponent)
		if math.Abs(back-d) > 1e-9*d {
			t.Errorf("d=%v: recovered %v from dBm inversion", d, back)
		}
	}
}

// Derivatives are checked against central finite differences.
func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	const txDbm = 0.0
	const exponent = 2.4
	const h = 1e-6

	for _, d := range []float64{2.0, 15.0, 80.0} {
		rssi := ReceivedPowerDbm(txDbm, d, freq24GHz, exponent)

		numRssi := (DistanceFromDbm(txDbm, rssi+h, freq24GHz, exponent) -
			DistanceFromDbm(txDbm, rssi-h, freq24GHz, exponent)) / (2 * h)
		if got := DistanceRssiDerivative(d, exponent); math.Abs(got-numRssi) > 1e-4*math.Abs(numRssi) {
			t.Errorf("d=%v: d(dist)/d(rssi) = %v, finite diff %v", d, got, numRssi)
		}

		numTx := (DistanceFromDbm(txDbm+h, rssi, freq24GHz, exponent) -
			DistanceFromDbm(txDbm-h, rssi, freq24GHz, exponent)) / (2 * h)
		if got := DistanceTxPowerDerivative(d, exponent); math.Abs(got-numTx) > 1e-4*math.Abs(numTx) {
			t.Errorf("d=%v: d(dist)/d(tx) = %v, finite diff %v", d, got, numTx)
		}

		numExp := (DistanceFromDbm(txDbm, rssi, freq24GHz, exponent+h) -
			DistanceFromDbm(txDbm, rssi, freq24GHz, exponent-h)) / (2 * h)
		if got := DistanceExponentDerivative(d, txDbm, rssi, exponent); math.Abs(got-numExp) > 1e-4*math.Abs(numExp)+1e-9 {
			t.Errorf("d=%v: d(dist)/d(n) = %v, finite diff %v", d, got, numExp)
		}
	}
}

func TestPowerDecaysWithDistanceAndExponent(t *testing.T) {
	tx := DbmToWatts(0)
	near := ReceivedPower(tx, 1.0, freq24GHz, 2.0)
	far := ReceivedPower(tx, 10.0, freq24GHz, 2.0)
	if far >= near {
		t.Errorf("power must decay with distance: near %v far %v", near, far)
	}

	// Doubling the distance under n=2 quarters the received power.
	ratio := ReceivedPower(tx, 2.0, freq24GHz, 2.0) / ReceivedPower(tx, 4.0, freq24GHz, 2.0)
	if math.Abs(ratio-4.0) > 1e-9 {
		t.Errorf("inverse-square ratio = %v, want 4", ratio)
	}
}
