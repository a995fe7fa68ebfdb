// Command locsim simulates a receiver constellation around a hidden emitter,
// corrupts the measurements with noise and gross outliers, and reports how
// well the robust estimator recovers the ground truth. It is the manual test
// bench for tuning consensus thresholds before touching live data.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	randv2 "math/rand/v2"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/radioloc/radioloc/estimate"
	"github.com/radioloc/radioloc/internal/version"
	"github.com/radioloc/radioloc/pathloss"
	"github.com/radioloc/radioloc/radio"
	"github.com/radioloc/radioloc/robust"
)

func parseCSVFloatSlice(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseMethod(s string) (robust.Method, error) {
	switch strings.ToLower(s) {
	case "ransac":
		return robust.RANSAC, nil
	case "msac":
		return robust.MSAC, nil
	case "prosac":
		return robust.PROSAC, nil
	case "lmeds":
		return robust.LMedS, nil
	default:
		return 0, fmt.Errorf("unknown method '%s' (want ransac, msac, prosac or lmeds)", s)
	}
}

type simConfig struct {
	dims        int
	receivers   int
	radius      float64
	emitter     []float64
	txDbm       float64
	exponent    float64
	frequency   float64
	mode        string
	rangeNoise  float64
	rssiNoise   float64
	outlierFrac float64
	outlierBias float64
	method      robust.Method
	estPower    bool
	estExponent bool
	trials      int
	seed        uint64
	plotFile    string
	verbose     bool
}

func main() {
	var cfg simConfig
	var emitterCSV, methodName string

	flag.IntVar(&cfg.dims, "dims", 2, "dimensionality (2 or 3)")
	flag.IntVar(&cfg.receivers, "receivers", 12, "number of receiver positions")
	flag.Float64Var(&cfg.radius, "radius", 15, "receiver constellation radius in meters")
	flag.StringVar(&emitterCSV, "emitter", "3,4", "true emitter position, comma separated")
	flag.Float64Var(&cfg.txDbm, "tx-power", -20, "true transmitted power in dBm")
	flag.Float64Var(&cfg.exponent, "exponent", 2.0, "true path-loss exponent")
	flag.Float64Var(&cfg.frequency, "frequency", 2.4e9, "carrier frequency in Hz")
	flag.StringVar(&cfg.mode, "mode", "mixed", "measurement mode: ranging, rssi or mixed")
	flag.Float64Var(&cfg.rangeNoise, "range-noise", 0.3, "ranging noise std-dev in meters")
	flag.Float64Var(&cfg.rssiNoise, "rssi-noise", 2.0, "RSSI noise std-dev in dB")
	flag.Float64Var(&cfg.outlierFrac, "outlier-frac", 0.2, "fraction of readings corrupted into outliers")
	flag.Float64Var(&cfg.outlierBias, "outlier-bias", 25, "distance bias of an outlier in meters")
	flag.StringVar(&methodName, "method", "ransac", "consensus method: ransac, msac, prosac or lmeds")
	flag.BoolVar(&cfg.estPower, "estimate-power", false, "treat transmitted power as unknown")
	flag.BoolVar(&cfg.estExponent, "estimate-exponent", false, "treat path-loss exponent as unknown")
	flag.IntVar(&cfg.trials, "trials", 1, "number of independent simulation trials")
	flag.Uint64Var(&cfg.seed, "seed", 1, "random seed")
	flag.StringVar(&cfg.plotFile, "plot", "", "write a PNG scatter of the last trial to this file")
	flag.BoolVar(&cfg.verbose, "v", false, "log per-trial detail")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("locsim %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	emitter, err := parseCSVFloatSlice(emitterCSV)
	if err != nil {
		log.Fatalf("bad -emitter: %v", err)
	}
	if len(emitter) != cfg.dims {
		log.Fatalf("-emitter has %d coordinates, want %d", len(emitter), cfg.dims)
	}
	cfg.emitter = emitter
	cfg.method, err = parseMethod(methodName)
	if err != nil {
		log.Fatalf("bad -method: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg simConfig) error {
	rng := randv2.New(randv2.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	rangeDist := distuv.Normal{Mu: 0, Sigma: cfg.rangeNoise, Src: rng}
	rssiDist := distuv.Normal{Mu: 0, Sigma: cfg.rssiNoise, Src: rng}

	receivers := constellation(cfg.dims, cfg.receivers, cfg.radius)

	posErrors := make([]float64, 0, cfg.trials)
	powerErrors := make([]float64, 0, cfg.trials)
	failures := 0

	var lastEstimate []float64
	for trial := 0; trial < cfg.trials; trial++ {
		src := radio.NewAccessPoint("sim-ap", cfg.frequency, nil)
		if !cfg.estPower {
			src = src.WithTransmittedPower(cfg.txDbm, cfg.exponent)
		}

		fp := simulate(cfg, src.ID, receivers, rng, rangeDist, rssiDist)

		est, err := buildEstimator(cfg, src, fp)
		if err != nil {
			return err
		}
		res, err := est.Estimate()
		if err != nil {
			failures++
			if cfg.verbose {
				log.Printf("trial %d: estimation failed: %v", trial, err)
			}
			continue
		}

		posErr := radio.EuclideanDistance(res.Position, cfg.emitter)
		posErrors = append(posErrors, posErr)
		lastEstimate = res.Position
		if res.TransmittedPowerDbm != nil {
			powerErrors = append(powerErrors, *res.TransmittedPowerDbm-cfg.txDbm)
		}
		if cfg.verbose {
			log.Printf("trial %d: position error %.3f m, inliers %d ranging / %d rssi, refined=%v",
				trial, posErr, res.RangingInliers, res.RSSIInliers, res.Refined)
		}
	}

	if len(posErrors) == 0 {
		return fmt.Errorf("all %d trials failed", cfg.trials)
	}

	log.Printf("method=%s mode=%s dims=%d receivers=%d outliers=%.0f%%",
		cfg.method, cfg.mode, cfg.dims, cfg.receivers, 100*cfg.outlierFrac)
	log.Printf("position error: mean %.3f m, std %.3f m over %d/%d successful trials",
		stat.Mean(posErrors, nil), stat.StdDev(posErrors, nil), len(posErrors), cfg.trials)
	if len(powerErrors) > 0 {
		log.Printf("tx-power error: mean %+.2f dB, std %.2f dB",
			stat.Mean(powerErrors, nil), stat.StdDev(powerErrors, nil))
	}
	if failures > 0 {
		log.Printf("failures: %d", failures)
	}

	if cfg.plotFile != "" && cfg.dims == 2 && lastEstimate != nil {
		if err := savePlot(cfg, receivers, lastEstimate); err != nil {
			return fmt.Errorf("plot: %w", err)
		}
		log.Printf("wrote %s", cfg.plotFile)
	}
	return nil
}

// constellation places receivers evenly on a circle; in 3D a second ring is
// stacked above the first so the geometry constrains the vertical axis.
func constellation(dims, n int, radius float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		a := 2 * math.Pi * float64(i) / float64(n)
		p := []float64{radius * math.Cos(a), radius * math.Sin(a)}
		if dims == 3 {
			z := 0.0
			if i%2 == 1 {
				z = radius / 2
			}
			p = append(p, z)
		}
		out[i] = p
	}
	return out
}

func simulate(cfg simConfig, sourceID string, receivers [][]float64, rng *randv2.Rand, rangeDist, rssiDist distuv.Normal) *radio.Fingerprint {
	readings := make([]radio.Reading, 0, len(receivers))
	for _, rp := range receivers {
		d := radio.EuclideanDistance(cfg.emitter, rp)
		measured := d
		if cfg.rangeNoise > 0 {
			measured += rangeDist.Rand()
		}
		if rng.Float64() < cfg.outlierFrac {
			measured += cfg.outlierBias
		}

		rssi := pathloss.ReceivedPowerDbm(cfg.txDbm, d, cfg.frequency, cfg.exponent)
		if cfg.rssiNoise > 0 {
			rssi += rssiDist.Rand()
		}

		var r radio.Reading
		switch cfg.mode {
		case "ranging":
			r = radio.NewRangingReading(sourceID, measured, rp)
		case "rssi":
			r = radio.NewRSSIReading(sourceID, rssi, rp)
		default:
			r = radio.NewRangingAndRSSIReading(sourceID, measured, rssi, rp)
		}
		if cfg.rangeNoise > 0 && r.HasRanging() {
			r = r.WithDistanceStdDev(cfg.rangeNoise)
		}
		if cfg.rssiNoise > 0 && r.HasRSSI() {
			r = r.WithRSSIStdDev(cfg.rssiNoise)
		}
		readings = append(readings, r)
	}
	return radio.NewFingerprint(readings...)
}

func buildEstimator(cfg simConfig, src *radio.Source, fp *radio.Fingerprint) (*estimate.SequentialEstimator, error) {
	ecfg := estimate.DefaultConfig()
	ecfg.RangingMethod = cfg.method
	ecfg.RSSIMethod = cfg.method
	ecfg.EstimateTransmittedPower = cfg.estPower
	ecfg.EstimatePathLossExponent = cfg.estExponent

	est, err := estimate.NewSequentialEstimator(cfg.dims, ecfg)
	if err != nil {
		return nil, err
	}
	if err := est.SetSources([]*radio.Source{src}); err != nil {
		return nil, err
	}
	if err := est.SetFingerprint(fp); err != nil {
		return nil, err
	}
	if !est.IsReady() {
		return nil, fmt.Errorf("estimator not ready: %d readings for %d minimum", fp.Len(), est.MinReadings())
	}
	return est, nil
}

func savePlot(cfg simConfig, receivers [][]float64, estimated []float64) error {
	p := plot.New()
	p.Title.Text = "emitter localization"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	rxPts := make(plotter.XYs, len(receivers))
	for i, rp := range receivers {
		rxPts[i] = plotter.XY{X: rp[0], Y: rp[1]}
	}
	rxScatter, err := plotter.NewScatter(rxPts)
	if err != nil {
		return err
	}
	p.Add(rxScatter)
	p.Legend.Add("receivers", rxScatter)

	truth, err := plotter.NewScatter(plotter.XYs{{X: cfg.emitter[0], Y: cfg.emitter[1]}})
	if err != nil {
		return err
	}
	truth.GlyphStyle.Radius = vg.Points(5)
	p.Add(truth)
	p.Legend.Add("truth", truth)

	got, err := plotter.NewScatter(plotter.XYs{{X: estimated[0], Y: estimated[1]}})
	if err != nil {
		return err
	}
	got.GlyphStyle.Radius = vg.Points(3)
	p.Add(got)
	p.Legend.Add("estimate", got)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, cfg.plotFile); err != nil {
		os.Remove(cfg.plotFile)
		return err
	}
	return nil
}
