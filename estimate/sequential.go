// Package estimate implements the robust sequential multi-modal radio-source
// estimator: heterogeneous ranging/RSSI readings are converted to uniform
// distance samples, two independent sample-consensus passes reject outliers
// per channel, and an optional joint nonlinear refinement recovers position,
// transmitted power and path-loss exponent together with their covariance.
package estimate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/radioloc/radioloc/internal/diag"
	"github.com/radioloc/radioloc/internal/lma"
	"github.com/radioloc/radioloc/multilateration"
	"github.com/radioloc/radioloc/pathloss"
	"github.com/radioloc/radioloc/radio"
	"github.com/radioloc/radioloc/robust"
)

// Defaults shared by both consensus channels.
const (
	DefaultConfidence       = 0.99
	DefaultMaxIterations    = 5000
	DefaultProgressDelta    = 0.05
	DefaultFallbackStdDev   = 1.0
	DefaultPathLossExponent = pathloss.FreeSpaceExponent

	// autoThresholdFactor scales the median sample standard deviation into
	// an inlier threshold when none is configured.
	autoThresholdFactor = 2.5

	// minProgressDelta bounds how fine progress notifications can get.
	minProgressDelta = 0.001
)

// Config carries the full configuration surface of the sequential estimator.
// Zero fields are filled with defaults by NewSequentialEstimator; every field
// has a locked-checked setter on the estimator as well.
type Config struct {
	RangingMethod robust.Method
	RSSIMethod    robust.Method

	// Per-channel inlier thresholds in meters of distance residual. Nil
	// auto-estimates from the sample standard deviations.
	RangingThreshold *float64
	RSSIThreshold    *float64

	RangingConfidence    float64
	RSSIConfidence       float64
	RangingMaxIterations int
	RSSIMaxIterations    int

	// ProgressDelta is the minimum progress advance that triggers a
	// listener notification.
	ProgressDelta float64

	EstimateTransmittedPower bool
	EstimatePathLossExponent bool
	RefineResult             bool
	KeepCovariance           bool
	UsePositionCovariance    bool

	// FallbackStdDev is assumed for samples without uncertainty information.
	FallbackStdDev float64

	// InitialPathLossExponent seeds exponent estimation; 2.0 is free space.
	InitialPathLossExponent float64
}

// DefaultConfig returns the configuration the estimator starts from:
// RANSAC on both channels, power estimation on, exponent estimation off,
// refinement and covariance on.
func DefaultConfig() Config {
	return Config{
		RangingMethod:            robust.RANSAC,
		RSSIMethod:               robust.RANSAC,
		RangingConfidence:        DefaultConfidence,
		RSSIConfidence:           DefaultConfidence,
		RangingMaxIterations:     DefaultMaxIterations,
		RSSIMaxIterations:        DefaultMaxIterations,
		ProgressDelta:            DefaultProgressDelta,
		EstimateTransmittedPower: true,
		RefineResult:             true,
		KeepCovariance:           true,
		FallbackStdDev:           DefaultFallbackStdDev,
		InitialPathLossExponent:  DefaultPathLossExponent,
	}
}

// Result is the outcome of one Estimate call. It is created fresh per call
// and never mutated afterward. Optional unknowns that were not estimated are
// nil, not zero.
type Result struct {
	Position []float64

	TransmittedPowerDbm      *float64
	TransmittedPowerVariance *float64 // dB^2

	PathLossExponent         *float64
	PathLossExponentVariance *float64

	// Covariance is the joint covariance over the estimated unknowns in
	// order [position..., power, exponent], nil when refinement was
	// disabled or failed.
	Covariance *mat.SymDense

	// EstimatedSource mirrors the located emitter's identity with the
	// estimated parameters attached.
	EstimatedSource *radio.Source

	RangingInliers int
	RSSIInliers    int
	Refined        bool
}

// TransmittedPowerWatts returns the estimated power in linear watts, nil when
// power was not estimated.
func (r *Result) TransmittedPowerWatts() *float64 {
	if r.TransmittedPowerDbm == nil {
		return nil
	}
	w := pathloss.DbmToWatts(*r.TransmittedPowerDbm)
	return &w
}

// PositionCovariance returns the position block of the joint covariance, nil
// when no covariance is available.
func (r *Result) PositionCovariance() *mat.SymDense {
	if r.Covariance == nil {
		return nil
	}
	dims := len(r.Position)
	out := mat.NewSymDense(dims, nil)
	for i := 0; i < dims; i++ {
		for j := i; j < dims; j++ {
			out.SetSym(i, j, r.Covariance.At(i, j))
		}
	}
	return out
}

// SequentialEstimator locates a stationary emitter from a fingerprint of
// ranging and/or RSSI readings taken at known receiver positions.
//
// Instances are single-threaded and non-reentrant: Estimate runs to
// completion on the caller's goroutine, and every mutator called while an
// estimation is in progress (including from listener callbacks) returns
// ErrLocked. Distinct instances are fully independent.
type SequentialEstimator struct {
	dims int
	cfg  Config

	sources     []*radio.Source
	fingerprint *radio.Fingerprint

	initialPosition []float64
	initialPowerDbm *float64
	qualityScores   []float64

	listener Listener
	rng      *rand.Rand

	locked       bool
	lastProgress float64
	result       *Result
}

// NewSequentialEstimator builds an estimator for 2D or 3D localization. Zero
// config fields take defaults; out-of-range values fail with
// ErrInvalidArgument.
func NewSequentialEstimator(dims int, cfg Config) (*SequentialEstimator, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: dimensionality %d (want 2 or 3)", ErrInvalidArgument, dims)
	}
	def := DefaultConfig()
	if cfg.RangingConfidence == 0 {
		cfg.RangingConfidence = def.RangingConfidence
	}
	if cfg.RSSIConfidence == 0 {
		cfg.RSSIConfidence = def.RSSIConfidence
	}
	if cfg.RangingMaxIterations == 0 {
		cfg.RangingMaxIterations = def.RangingMaxIterations
	}
	if cfg.RSSIMaxIterations == 0 {
		cfg.RSSIMaxIterations = def.RSSIMaxIterations
	}
	if cfg.ProgressDelta == 0 {
		cfg.ProgressDelta = def.ProgressDelta
	}
	if cfg.FallbackStdDev == 0 {
		cfg.FallbackStdDev = def.FallbackStdDev
	}
	if cfg.InitialPathLossExponent == 0 {
		cfg.InitialPathLossExponent = def.InitialPathLossExponent
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &SequentialEstimator{
		dims: dims,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// New2D returns a 2D estimator with the default configuration.
func New2D() *SequentialEstimator {
	e, _ := NewSequentialEstimator(2, DefaultConfig())
	return e
}

// New3D returns a 3D estimator with the default configuration.
func New3D() *SequentialEstimator {
	e, _ := NewSequentialEstimator(3, DefaultConfig())
	return e
}

func validateConfig(cfg Config) error {
	for _, c := range []float64{cfg.RangingConfidence, cfg.RSSIConfidence} {
		if c <= 0 || c >= 1 {
			return fmt.Errorf("%w: confidence %v outside (0,1)", ErrInvalidArgument, c)
		}
	}
	if cfg.RangingMaxIterations <= 0 || cfg.RSSIMaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be positive", ErrInvalidArgument)
	}
	if cfg.ProgressDelta < minProgressDelta || cfg.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta %v outside [%v,1]", ErrInvalidArgument, cfg.ProgressDelta, minProgressDelta)
	}
	if cfg.FallbackStdDev <= 0 {
		return fmt.Errorf("%w: fallback std-dev %v must be positive", ErrInvalidArgument, cfg.FallbackStdDev)
	}
	if cfg.InitialPathLossExponent <= 0 {
		return fmt.Errorf("%w: path-loss exponent %v must be positive", ErrInvalidArgument, cfg.InitialPathLossExponent)
	}
	if cfg.RangingThreshold != nil && *cfg.RangingThreshold <= 0 {
		return fmt.Errorf("%w: ranging threshold must be positive", ErrInvalidArgument)
	}
	if cfg.RSSIThreshold != nil && *cfg.RSSIThreshold <= 0 {
		return fmt.Errorf("%w: RSSI threshold must be positive", ErrInvalidArgument)
	}
	return nil
}

// Dims returns the configured dimensionality.
func (e *SequentialEstimator) Dims() int { return e.dims }

// IsLocked reports whether an Estimate call is in progress.
func (e *SequentialEstimator) IsLocked() bool { return e.locked }

// MinReadings returns the minimum number of derived distance samples the
// enabled unknown set requires: dims + 1, plus one per extra unknown.
func (e *SequentialEstimator) MinReadings() int {
	n := e.dims + 1
	if e.cfg.EstimateTransmittedPower {
		n++
	}
	if e.cfg.EstimatePathLossExponent {
		n++
	}
	return n
}

// IsReady reports whether the current configuration satisfies every
// precondition of Estimate. It is a pure function of the configuration.
func (e *SequentialEstimator) IsReady() bool {
	if len(e.sources) == 0 || e.fingerprint.Len() == 0 {
		return false
	}
	needScores := e.cfg.RangingMethod.NeedsQualityScores() || e.cfg.RSSIMethod.NeedsQualityScores()
	if needScores && e.qualityScores == nil {
		return false
	}
	if e.qualityScores != nil && len(e.qualityScores) != e.fingerprint.Len() {
		return false
	}
	set, _, err := e.deriveAll()
	if err != nil {
		return false
	}
	return set.Len() >= e.MinReadings()
}

// --- configuration mutators (all reject with ErrLocked while estimating) ---

func (e *SequentialEstimator) mutable() error {
	if e.locked {
		return ErrLocked
	}
	return nil
}

// SetSources replaces the known radio sources.
func (e *SequentialEstimator) SetSources(sources []*radio.Source) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("%w: empty source list", ErrInvalidArgument)
	}
	e.sources = sources
	return nil
}

// SetFingerprint replaces the readings to estimate from.
func (e *SequentialEstimator) SetFingerprint(fp *radio.Fingerprint) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if fp.Len() == 0 {
		return fmt.Errorf("%w: empty fingerprint", ErrInvalidArgument)
	}
	e.fingerprint = fp
	return nil
}

// SetRangingMethod selects the consensus method of the ranging channel.
func (e *SequentialEstimator) SetRangingMethod(m robust.Method) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.RangingMethod = m
	return nil
}

// SetRSSIMethod selects the consensus method of the RSSI channel.
func (e *SequentialEstimator) SetRSSIMethod(m robust.Method) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.RSSIMethod = m
	return nil
}

// SetRangingThreshold sets the ranging inlier threshold; nil re-enables
// auto-estimation.
func (e *SequentialEstimator) SetRangingThreshold(t *float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if t != nil && *t <= 0 {
		return fmt.Errorf("%w: ranging threshold must be positive", ErrInvalidArgument)
	}
	e.cfg.RangingThreshold = t
	return nil
}

// SetRSSIThreshold sets the RSSI inlier threshold; nil re-enables
// auto-estimation.
func (e *SequentialEstimator) SetRSSIThreshold(t *float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if t != nil && *t <= 0 {
		return fmt.Errorf("%w: RSSI threshold must be positive", ErrInvalidArgument)
	}
	e.cfg.RSSIThreshold = t
	return nil
}

// SetRangingConfidence sets the ranging consensus confidence in (0,1).
func (e *SequentialEstimator) SetRangingConfidence(c float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if c <= 0 || c >= 1 {
		return fmt.Errorf("%w: confidence %v outside (0,1)", ErrInvalidArgument, c)
	}
	e.cfg.RangingConfidence = c
	return nil
}

// SetRSSIConfidence sets the RSSI consensus confidence in (0,1).
func (e *SequentialEstimator) SetRSSIConfidence(c float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if c <= 0 || c >= 1 {
		return fmt.Errorf("%w: confidence %v outside (0,1)", ErrInvalidArgument, c)
	}
	e.cfg.RSSIConfidence = c
	return nil
}

// SetRangingMaxIterations bounds the ranging consensus loop.
func (e *SequentialEstimator) SetRangingMaxIterations(n int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: max iterations %d must be positive", ErrInvalidArgument, n)
	}
	e.cfg.RangingMaxIterations = n
	return nil
}

// SetRSSIMaxIterations bounds the RSSI consensus loop.
func (e *SequentialEstimator) SetRSSIMaxIterations(n int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: max iterations %d must be positive", ErrInvalidArgument, n)
	}
	e.cfg.RSSIMaxIterations = n
	return nil
}

// SetProgressDelta sets the minimum progress advance that triggers a
// notification.
func (e *SequentialEstimator) SetProgressDelta(d float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if d < minProgressDelta || d > 1 {
		return fmt.Errorf("%w: progress delta %v outside [%v,1]", ErrInvalidArgument, d, minProgressDelta)
	}
	e.cfg.ProgressDelta = d
	return nil
}

// SetEstimateTransmittedPower toggles transmitted-power estimation.
func (e *SequentialEstimator) SetEstimateTransmittedPower(v bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.EstimateTransmittedPower = v
	return nil
}

// SetEstimatePathLossExponent toggles path-loss-exponent estimation.
func (e *SequentialEstimator) SetEstimatePathLossExponent(v bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.EstimatePathLossExponent = v
	return nil
}

// SetRefineResult toggles the joint nonlinear refinement stage.
func (e *SequentialEstimator) SetRefineResult(v bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.RefineResult = v
	return nil
}

// SetKeepCovariance toggles covariance extraction during refinement.
func (e *SequentialEstimator) SetKeepCovariance(v bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.KeepCovariance = v
	return nil
}

// SetUsePositionCovariance toggles folding reading/source position
// covariance into sample uncertainties.
func (e *SequentialEstimator) SetUsePositionCovariance(v bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.cfg.UsePositionCovariance = v
	return nil
}

// SetFallbackStdDev sets the distance standard deviation assumed for samples
// without uncertainty information.
func (e *SequentialEstimator) SetFallbackStdDev(v float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("%w: fallback std-dev %v must be positive", ErrInvalidArgument, v)
	}
	e.cfg.FallbackStdDev = v
	return nil
}

// SetInitialPosition seeds the position search; nil clears the seed.
func (e *SequentialEstimator) SetInitialPosition(p []float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if p != nil && len(p) != e.dims {
		return fmt.Errorf("%w: initial position has %d coordinates, want %d", ErrInvalidArgument, len(p), e.dims)
	}
	e.initialPosition = p
	return nil
}

// SetInitialTransmittedPowerDbm seeds power estimation in dBm; nil clears it.
func (e *SequentialEstimator) SetInitialTransmittedPowerDbm(p *float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.initialPowerDbm = p
	return nil
}

// SetInitialTransmittedPower seeds power estimation in linear watts.
func (e *SequentialEstimator) SetInitialTransmittedPower(watts float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if watts <= 0 {
		return fmt.Errorf("%w: transmitted power %v W must be positive", ErrInvalidArgument, watts)
	}
	dbm := pathloss.WattsToDbm(watts)
	e.initialPowerDbm = &dbm
	return nil
}

// SetInitialPathLossExponent seeds exponent estimation.
func (e *SequentialEstimator) SetInitialPathLossExponent(v float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("%w: path-loss exponent %v must be positive", ErrInvalidArgument, v)
	}
	e.cfg.InitialPathLossExponent = v
	return nil
}

// SetQualityScores attaches one a-priori confidence score per fingerprint
// reading; nil clears them. With a fingerprint already set, a length mismatch
// is rejected here rather than at estimation time.
func (e *SequentialEstimator) SetQualityScores(scores []float64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if scores != nil && e.fingerprint != nil && len(scores) != e.fingerprint.Len() {
		return fmt.Errorf("%w: %d quality scores for %d readings", ErrInvalidArgument, len(scores), e.fingerprint.Len())
	}
	e.qualityScores = scores
	return nil
}

// SetListener attaches a lifecycle listener; nil detaches it.
func (e *SequentialEstimator) SetListener(l Listener) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.listener = l
	return nil
}

// SetRand replaces the consensus sampling source, mainly for reproducible
// runs.
func (e *SequentialEstimator) SetRand(r *rand.Rand) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: nil random source", ErrInvalidArgument)
	}
	e.rng = r
	return nil
}

// --- result getters (nil/unset before a successful Estimate) ---

// LastResult returns the result of the most recent successful Estimate call.
func (e *SequentialEstimator) LastResult() *Result { return e.result }

// Position returns the last estimated position, nil before any estimation.
func (e *SequentialEstimator) Position() []float64 {
	if e.result == nil {
		return nil
	}
	return append([]float64(nil), e.result.Position...)
}

// TransmittedPowerDbm returns the last estimated power in dBm, nil when power
// was not estimated.
func (e *SequentialEstimator) TransmittedPowerDbm() *float64 {
	if e.result == nil {
		return nil
	}
	return copyFloat(e.result.TransmittedPowerDbm)
}

// TransmittedPower returns the last estimated power in watts, nil when power
// was not estimated.
func (e *SequentialEstimator) TransmittedPower() *float64 {
	if e.result == nil {
		return nil
	}
	return e.result.TransmittedPowerWatts()
}

// TransmittedPowerVariance returns the variance of the power estimate, nil
// when unavailable.
func (e *SequentialEstimator) TransmittedPowerVariance() *float64 {
	if e.result == nil {
		return nil
	}
	return copyFloat(e.result.TransmittedPowerVariance)
}

// PathLossExponent returns the last estimated exponent, nil when it was not
// estimated.
func (e *SequentialEstimator) PathLossExponent() *float64 {
	if e.result == nil {
		return nil
	}
	return copyFloat(e.result.PathLossExponent)
}

// PathLossExponentVariance returns the variance of the exponent estimate,
// nil when unavailable.
func (e *SequentialEstimator) PathLossExponentVariance() *float64 {
	if e.result == nil {
		return nil
	}
	return copyFloat(e.result.PathLossExponentVariance)
}

// Covariance returns a copy of the joint covariance of the last estimate,
// nil when unavailable.
func (e *SequentialEstimator) Covariance() *mat.SymDense {
	if e.result == nil || e.result.Covariance == nil {
		return nil
	}
	out := mat.NewSymDense(e.result.Covariance.SymmetricDim(), nil)
	out.CopySym(e.result.Covariance)
	return out
}

// EstimatedSource returns the located emitter of the last estimate, nil
// before any estimation.
func (e *SequentialEstimator) EstimatedSource() *radio.Source {
	if e.result == nil {
		return nil
	}
	return e.result.EstimatedSource
}

// --- estimation ---

// Estimate runs the sequential robust estimation to completion on the
// calling goroutine. It fails with ErrLocked when re-entered, ErrNotReady
// when preconditions are unmet and ErrRobustEstimationFailed when consensus
// exhausts its budget; the instance stays reusable after any failure.
func (e *SequentialEstimator) Estimate() (*Result, error) {
	if e.locked {
		return nil, ErrLocked
	}
	if !e.IsReady() {
		return nil, ErrNotReady
	}

	e.locked = true
	e.lastProgress = 0
	defer func() { e.locked = false }()
	if e.listener != nil {
		defer e.listener.OnEstimateEnd(e)
		e.listener.OnEstimateStart(e)
	}

	set, _, err := e.deriveAll()
	if err != nil {
		return nil, err
	}

	result, err := e.run(set)
	if err != nil {
		return nil, err
	}
	e.reportProgress(1)
	e.result = result
	return result, nil
}

func (e *SequentialEstimator) reportProgress(p float64) {
	if e.listener == nil {
		return
	}
	if p > 1 {
		p = 1
	}
	if p < 1 && p-e.lastProgress < e.cfg.ProgressDelta {
		return
	}
	if p <= e.lastProgress {
		return
	}
	e.lastProgress = p
	e.listener.OnEstimateProgressChange(e, p)
}

// deriveAll builds the sample set from the current configuration. Sources
// lacking propagation parameters are patched with the initial/provisional
// values when the estimator is going to solve for them, so that their RSSI
// readings still produce samples.
func (e *SequentialEstimator) deriveAll() (*SampleSet, []*radio.Source, error) {
	eff := e.effectiveSources()
	cfg := DeriveConfig{
		UsePositionCovariance: e.cfg.UsePositionCovariance,
		FallbackStdDev:        e.cfg.FallbackStdDev,
		QualityScores:         e.qualityScores,
	}
	var set SampleSet
	if err := DeriveSamples(eff, e.fingerprint, cfg, &set); err != nil {
		return nil, nil, err
	}
	return &set, eff, nil
}

func (e *SequentialEstimator) effectiveSources() []*radio.Source {
	canPatchPower := e.cfg.EstimateTransmittedPower || e.initialPowerDbm != nil
	out := make([]*radio.Source, len(e.sources))
	for i, s := range e.sources {
		needPower := s.TransmittedPowerDbm == nil
		needExponent := s.PathLossExponent == nil
		if (!needPower && !needExponent) || (needPower && !canPatchPower) {
			out[i] = s
			continue
		}
		patched := *s
		if needPower {
			p := e.provisionalPowerDbm(s)
			patched.TransmittedPowerDbm = &p
		}
		if needExponent {
			n := e.cfg.InitialPathLossExponent
			patched.PathLossExponent = &n
		}
		out[i] = &patched
	}
	return out
}

// provisionalPowerDbm back-computes a plausible transmitted power for a
// source whose power is unknown but about to be estimated. The provisional
// value only shapes preliminary sample distances; the consensus model
// re-derives distances from its own power hypothesis.
func (e *SequentialEstimator) provisionalPowerDbm(src *radio.Source) float64 {
	if e.initialPowerDbm != nil {
		return *e.initialPowerDbm
	}

	// Assume the emitter sits near the receiver centroid and invert the
	// path-loss law at the median receiver spread.
	var positions [][]float64
	var rssis []float64
	for _, r := range e.fingerprint.Readings {
		if r.SourceID != src.ID || !r.HasRSSI() {
			continue
		}
		pos := r.ReceiverPosition
		if pos == nil {
			continue
		}
		positions = append(positions, pos)
		rssis = append(rssis, r.RSSI)
	}
	if len(rssis) == 0 {
		return 0
	}
	centroid := make([]float64, len(positions[0]))
	for _, p := range positions {
		for j := range centroid {
			centroid[j] += p[j]
		}
	}
	for j := range centroid {
		centroid[j] /= float64(len(positions))
	}
	spreads := make([]float64, len(positions))
	for i, p := range positions {
		spreads[i] = radio.EuclideanDistance(p, centroid)
	}
	sort.Float64s(spreads)
	dRef := math.Max(spreads[len(spreads)/2], 1.0)

	n0 := e.cfg.InitialPathLossExponent
	powers := make([]float64, len(rssis))
	for i, rssi := range rssis {
		// P = rssi - 10*n*(log10(k) - log10(dRef))
		powers[i] = rssi - pathloss.ReceivedPowerDbm(0, dRef, src.Frequency, n0)
	}
	sort.Float64s(powers)
	return powers[len(powers)/2]
}

// run executes the two consensus passes and the optional joint refinement.
func (e *SequentialEstimator) run(set *SampleSet) (*Result, error) {
	dims := e.dims
	var rangingIdx, rssiIdx []int
	for i := 0; i < set.Len(); i++ {
		if set.Channels[i] == ChannelRanging {
			rangingIdx = append(rangingIdx, i)
		} else {
			rssiIdx = append(rssiIdx, i)
		}
	}

	var pos []float64
	if e.initialPosition != nil {
		pos = append([]float64(nil), e.initialPosition...)
	}
	powerDbm := math.NaN()
	if e.initialPowerDbm != nil {
		powerDbm = *e.initialPowerDbm
	}
	exponent := e.cfg.InitialPathLossExponent

	solveRSSIModel := e.cfg.EstimateTransmittedPower || e.cfg.EstimatePathLossExponent

	// Stage 1: consensus over ranging distances.
	var rangingInliers []int
	var stage1 []float64
	if len(rangingIdx) >= multilateration.MinSamples(dims) {
		model, inliers, err := e.consensusPosition(set, rangingIdx, channelOptions{
			method:     e.cfg.RangingMethod,
			threshold:  e.cfg.RangingThreshold,
			confidence: e.cfg.RangingConfidence,
			maxIters:   e.cfg.RangingMaxIterations,
			progressLo: 0.0,
			progressHi: 0.45,
		})
		switch {
		case err == nil:
			stage1 = model
			rangingInliers = inliers
			if pos == nil {
				pos = append([]float64(nil), model...)
			}
		case errors.Is(err, robust.ErrExhausted):
			diag.Logf("estimate: ranging consensus exhausted: %v", err)
		default:
			return nil, err
		}
	}
	e.reportProgress(0.45)

	// Stage 2: consensus over RSSI-derived distances, carrying the enabled
	// propagation unknowns.
	var rssiInliers []int
	var stage2 *rssiModel
	minStage2 := dims + 1 + boolToInt(e.cfg.EstimateTransmittedPower) + boolToInt(e.cfg.EstimatePathLossExponent)
	if len(rssiIdx) >= minStage2 {
		var err error
		if solveRSSIModel {
			stage2, rssiInliers, err = e.consensusRSSI(set, rssiIdx, pos, powerDbm, exponent)
		} else {
			var model []float64
			model, rssiInliers, err = e.consensusPosition(set, rssiIdx, channelOptions{
				method:     e.cfg.RSSIMethod,
				threshold:  e.cfg.RSSIThreshold,
				confidence: e.cfg.RSSIConfidence,
				maxIters:   e.cfg.RSSIMaxIterations,
				progressLo: 0.45,
				progressHi: 0.9,
			})
			if err == nil {
				stage2 = &rssiModel{pos: model, powerDbm: powerDbm, exponent: exponent}
			}
		}
		switch {
		case err == nil:
			pos = append([]float64(nil), stage2.pos...)
			if e.cfg.EstimateTransmittedPower {
				powerDbm = stage2.powerDbm
			}
			if e.cfg.EstimatePathLossExponent {
				exponent = stage2.exponent
			}
		case errors.Is(err, robust.ErrExhausted):
			rssiInliers = nil
			diag.Logf("estimate: RSSI consensus exhausted: %v", err)
		default:
			return nil, err
		}
	}
	e.reportProgress(0.9)

	if stage1 == nil && stage2 == nil {
		return nil, fmt.Errorf("%w: no channel produced a consensus model", ErrRobustEstimationFailed)
	}
	if solveRSSIModel && stage2 == nil {
		return nil, fmt.Errorf("%w: RSSI consensus required to estimate power/path-loss", ErrRobustEstimationFailed)
	}

	// Stage 3: joint refinement over the union of inliers.
	var cov *mat.SymDense
	refined := false
	unknowns := dims + boolToInt(e.cfg.EstimateTransmittedPower) + boolToInt(e.cfg.EstimatePathLossExponent)
	union := append(append([]int(nil), rangingInliers...), rssiInliers...)
	if e.cfg.RefineResult && len(union) > unknowns {
		refPos, refPower, refExp, res, err := e.solveJoint(set, union, pos, powerDbm, exponent, true)
		if err != nil {
			diag.Logf("estimate: refinement failed, keeping consensus model: %v", err)
		} else {
			pos = refPos
			powerDbm = refPower
			exponent = refExp
			refined = true
			if e.cfg.KeepCovariance {
				c, covErr := res.Covariance()
				if covErr != nil {
					diag.Logf("estimate: covariance unavailable: %v", covErr)
				} else {
					cov = c
				}
			}
		}
	}
	e.reportProgress(0.95)

	return e.assembleResult(set, union, pos, powerDbm, exponent, cov, refined, len(rangingInliers), len(rssiInliers)), nil
}

type channelOptions struct {
	method     robust.Method
	threshold  *float64
	confidence float64
	maxIters   int
	progressLo float64
	progressHi float64
}

// consensusPosition runs a robust position-only consensus over the given
// sample indices using the linearized fitter on minimal subsets.
func (e *SequentialEstimator) consensusPosition(set *SampleSet, idx []int, ch channelOptions) ([]float64, []int, error) {
	dims := e.dims
	problem := robust.Problem[[]float64]{
		NumSamples: len(idx),
		MinSamples: multilateration.MinSamples(dims),
		Fit: func(local []int) ([]float64, bool) {
			subset := make([]multilateration.Sample, len(local))
			for i, li := range local {
				subset[i] = set.Sample(idx[li])
			}
			p, err := multilateration.SolveLinear(subset, dims)
			if err != nil || !allFinite(p) {
				return nil, false
			}
			return p, true
		},
		Residual: func(model []float64, i int) float64 {
			gi := idx[i]
			return math.Abs(radio.EuclideanDistance(model, set.Positions[gi]) - set.Distances[gi])
		},
		QualityScores: gatherQualities(set, idx, ch.method),
	}

	res, err := robust.Run(problem, robust.Options{
		Method:        ch.method,
		Threshold:     e.channelThreshold(set, idx, ch.threshold),
		Confidence:    ch.confidence,
		MaxIterations: ch.maxIters,
		Rand:          e.rng,
		Progress: func(f float64) {
			e.reportProgress(ch.progressLo + f*(ch.progressHi-ch.progressLo))
		},
	})
	if err != nil {
		return nil, nil, err
	}

	inliers := make([]int, len(res.Inliers))
	for i, li := range res.Inliers {
		inliers[i] = idx[li]
	}
	return res.Model, inliers, nil
}

// rssiModel is a stage-2 consensus hypothesis: a position plus the enabled
// propagation unknowns.
type rssiModel struct {
	pos      []float64
	powerDbm float64
	exponent float64
}

// consensusRSSI runs the robust consensus whose hypotheses carry transmitted
// power and/or path-loss exponent in addition to position.
func (e *SequentialEstimator) consensusRSSI(set *SampleSet, idx []int, seed []float64, powerDbm, exponent float64) (*rssiModel, []int, error) {
	dims := e.dims
	minSub := dims + 1 + boolToInt(e.cfg.EstimateTransmittedPower) + boolToInt(e.cfg.EstimatePathLossExponent)

	problem := robust.Problem[rssiModel]{
		NumSamples: len(idx),
		MinSamples: minSub,
		Fit: func(local []int) (rssiModel, bool) {
			subset := make([]int, len(local))
			for i, li := range local {
				subset[i] = idx[li]
			}
			subSeed := seed
			if subSeed == nil {
				subSeed = centroidOf(set, subset, dims)
			}
			pos, p, n, _, err := e.solveJoint(set, subset, subSeed, powerDbm, exponent, false)
			if err != nil || !allFinite(pos) {
				return rssiModel{}, false
			}
			if e.cfg.EstimatePathLossExponent && (n < 0.1 || n > 10) {
				return rssiModel{}, false
			}
			if e.cfg.EstimateTransmittedPower && (p < -200 || p > 100) {
				return rssiModel{}, false
			}
			return rssiModel{pos: pos, powerDbm: p, exponent: n}, true
		},
		Residual: func(m rssiModel, i int) float64 {
			gi := idx[i]
			return math.Abs(radio.EuclideanDistance(m.pos, set.Positions[gi]) - e.predictedDistance(set, gi, m))
		},
		QualityScores: gatherQualities(set, idx, e.cfg.RSSIMethod),
	}

	res, err := robust.Run(problem, robust.Options{
		Method:        e.cfg.RSSIMethod,
		Threshold:     e.channelThreshold(set, idx, e.cfg.RSSIThreshold),
		Confidence:    e.cfg.RSSIConfidence,
		MaxIterations: e.cfg.RSSIMaxIterations,
		Rand:          e.rng,
		Progress: func(f float64) {
			e.reportProgress(0.45 + f*0.45)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	inliers := make([]int, len(res.Inliers))
	for i, li := range res.Inliers {
		inliers[i] = idx[li]
	}
	model := res.Model
	return &model, inliers, nil
}

// predictedDistance evaluates the distance the model implies for sample i:
// fixed derived distance for ranging samples, re-inverted path loss under the
// hypothesis parameters for RSSI samples.
func (e *SequentialEstimator) predictedDistance(set *SampleSet, i int, m rssiModel) float64 {
	if set.Channels[i] == ChannelRanging {
		return set.Distances[i]
	}
	src := set.Sources[i]
	p := m.powerDbm
	if !e.cfg.EstimateTransmittedPower {
		p = *src.TransmittedPowerDbm
	}
	n := m.exponent
	if !e.cfg.EstimatePathLossExponent {
		n = *src.PathLossExponent
	}
	return pathloss.DistanceFromDbm(p, set.RSSIs[i], src.Frequency, n)
}

// solveJoint solves the weighted nonlinear least-squares problem over the
// given samples for position plus the enabled propagation unknowns. It is
// used both for minimal-subset fitting inside the RSSI consensus and for the
// final joint refinement (weighted=true).
func (e *SequentialEstimator) solveJoint(set *SampleSet, idx []int, seedPos []float64, powerDbm, exponent float64, weighted bool) ([]float64, float64, float64, *lma.Result, error) {
	dims := e.dims
	estPower := e.cfg.EstimateTransmittedPower
	estExp := e.cfg.EstimatePathLossExponent
	nParams := dims + boolToInt(estPower) + boolToInt(estExp)

	if seedPos == nil {
		seedPos = centroidOf(set, idx, dims)
	}
	if estPower && math.IsNaN(powerDbm) {
		powerDbm = e.initialPowerFromGeometry(set, idx, seedPos, exponent)
	}

	params := make([]float64, 0, nParams)
	params = append(params, seedPos[:dims]...)
	powerAt, expAt := -1, -1
	if estPower {
		powerAt = len(params)
		params = append(params, powerDbm)
	}
	if estExp {
		expAt = len(params)
		params = append(params, exponent)
	}

	model := func(p []float64) rssiModel {
		m := rssiModel{pos: p[:dims], powerDbm: powerDbm, exponent: exponent}
		if powerAt >= 0 {
			m.powerDbm = p[powerAt]
		}
		if expAt >= 0 {
			m.exponent = p[expAt]
		}
		return m
	}

	var weights []float64
	if weighted {
		weights = make([]float64, len(idx))
		for i, gi := range idx {
			std := set.StdDevs[gi]
			if std <= 0 {
				std = e.cfg.FallbackStdDev
			}
			q := set.Qualities[gi]
			if q <= 0 {
				q = 1e-6
			}
			weights[i] = q / (std * std)
		}
	}

	problem := lma.Problem{
		NumResiduals: len(idx),
		Weights:      weights,
		Eval: func(p, out []float64) {
			m := model(p)
			for i, gi := range idx {
				out[i] = radio.EuclideanDistance(m.pos, set.Positions[gi]) - e.predictedDistance(set, gi, m)
			}
		},
		Jacobian: func(p []float64, out *mat.Dense) {
			m := model(p)
			for i, gi := range idx {
				norm := radio.EuclideanDistance(m.pos, set.Positions[gi])
				if !(norm > 1e-12) {
					norm = 1e-12
				}
				for j := 0; j < dims; j++ {
					out.Set(i, j, (m.pos[j]-set.Positions[gi][j])/norm)
				}
				if powerAt >= 0 {
					out.Set(i, powerAt, 0)
				}
				if expAt >= 0 {
					out.Set(i, expAt, 0)
				}
				if set.Channels[gi] != ChannelRSSI {
					continue
				}
				d := e.predictedDistance(set, gi, m)
				n := m.exponent
				if expAt < 0 {
					n = *set.Sources[gi].PathLossExponent
				}
				if powerAt >= 0 {
					out.Set(i, powerAt, -pathloss.DistanceTxPowerDerivative(d, n))
				}
				if expAt >= 0 {
					p0 := m.powerDbm
					if powerAt < 0 {
						p0 = *set.Sources[gi].TransmittedPowerDbm
					}
					out.Set(i, expAt, -pathloss.DistanceExponentDerivative(d, p0, set.RSSIs[gi], n))
				}
			}
		},
	}

	res, err := lma.Solve(problem, params, lma.DefaultOptions())
	if err != nil {
		return nil, 0, 0, nil, err
	}

	outPos := append([]float64(nil), res.Params[:dims]...)
	outPower := powerDbm
	if powerAt >= 0 {
		outPower = res.Params[powerAt]
	}
	outExp := exponent
	if expAt >= 0 {
		outExp = res.Params[expAt]
	}
	return outPos, outPower, outExp, res, nil
}

// initialPowerFromGeometry back-solves a transmitted-power seed from the
// RSSI samples assuming the current position hypothesis.
func (e *SequentialEstimator) initialPowerFromGeometry(set *SampleSet, idx []int, pos []float64, exponent float64) float64 {
	var powers []float64
	for _, gi := range idx {
		if set.Channels[gi] != ChannelRSSI {
			continue
		}
		d := radio.EuclideanDistance(pos, set.Positions[gi])
		if !(d > 1e-3) {
			d = 1e-3
		}
		powers = append(powers, set.RSSIs[gi]-pathloss.ReceivedPowerDbm(0, d, set.Sources[gi].Frequency, exponent))
	}
	if len(powers) == 0 {
		return 0
	}
	sort.Float64s(powers)
	return powers[len(powers)/2]
}

// channelThreshold resolves the inlier threshold of a channel: the explicit
// configuration when set, otherwise a multiple of the median sample standard
// deviation.
func (e *SequentialEstimator) channelThreshold(set *SampleSet, idx []int, explicit *float64) float64 {
	if explicit != nil {
		return *explicit
	}
	stds := make([]float64, 0, len(idx))
	for _, gi := range idx {
		if set.StdDevs[gi] > 0 {
			stds = append(stds, set.StdDevs[gi])
		}
	}
	if len(stds) == 0 {
		return autoThresholdFactor * e.cfg.FallbackStdDev
	}
	sort.Float64s(stds)
	return autoThresholdFactor * stds[len(stds)/2]
}

func (e *SequentialEstimator) assembleResult(set *SampleSet, inliers []int, pos []float64, powerDbm, exponent float64, cov *mat.SymDense, refined bool, rangingInliers, rssiInliers int) *Result {
	dims := e.dims
	result := &Result{
		Position:       append([]float64(nil), pos...),
		Covariance:     cov,
		Refined:        refined,
		RangingInliers: rangingInliers,
		RSSIInliers:    rssiInliers,
	}

	at := dims
	if e.cfg.EstimateTransmittedPower {
		p := powerDbm
		result.TransmittedPowerDbm = &p
		if cov != nil {
			v := cov.At(at, at)
			result.TransmittedPowerVariance = &v
		}
		at++
	}
	if e.cfg.EstimatePathLossExponent {
		n := exponent
		result.PathLossExponent = &n
		if cov != nil {
			v := cov.At(at, at)
			result.PathLossExponentVariance = &v
		}
	}

	if target := e.targetSource(set, inliers); target != nil {
		located := *target
		located.Position = append([]float64(nil), pos...)
		located.PositionCovariance = result.PositionCovariance()
		if result.TransmittedPowerDbm != nil {
			located.TransmittedPowerDbm = copyFloat(result.TransmittedPowerDbm)
			if result.TransmittedPowerVariance != nil {
				sd := math.Sqrt(*result.TransmittedPowerVariance)
				located.TransmittedPowerStdDev = &sd
			}
		}
		if result.PathLossExponent != nil {
			located.PathLossExponent = copyFloat(result.PathLossExponent)
			if result.PathLossExponentVariance != nil {
				sd := math.Sqrt(*result.PathLossExponentVariance)
				located.PathLossExponentStdDev = &sd
			}
		}
		result.EstimatedSource = &located
	}

	return result
}

// targetSource picks the emitter the estimate refers to: the source observed
// by the most inlier samples, falling back to the most observed overall.
func (e *SequentialEstimator) targetSource(set *SampleSet, inliers []int) *radio.Source {
	counts := make(map[*radio.Source]int)
	for _, gi := range inliers {
		counts[set.Sources[gi]]++
	}
	if len(counts) == 0 {
		for i := 0; i < set.Len(); i++ {
			counts[set.Sources[i]]++
		}
	}
	var best *radio.Source
	bestCount := -1
	for i := 0; i < set.Len(); i++ {
		src := set.Sources[i]
		if c := counts[src]; c > bestCount {
			best = src
			bestCount = c
		}
	}
	return best
}

func gatherQualities(set *SampleSet, idx []int, m robust.Method) []float64 {
	if !m.NeedsQualityScores() {
		return nil
	}
	out := make([]float64, len(idx))
	for i, gi := range idx {
		out[i] = set.Qualities[gi]
	}
	return out
}

func centroidOf(set *SampleSet, idx []int, dims int) []float64 {
	out := make([]float64, dims)
	if len(idx) == 0 {
		return out
	}
	for _, gi := range idx {
		for j := 0; j < dims; j++ {
			out[j] += set.Positions[gi][j]
		}
	}
	for j := range out {
		out[j] /= float64(len(idx))
	}
	return out
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
