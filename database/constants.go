package database

import "time"

// Query limits
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Export limits
const (
	ExportAuditLimit = 500
	SnapshotVersion  = 1
)

// Strength arithmetic for behavioral genes
const (
	GeneConfirmStep     = 0.1
	GeneContradictStep  = 0.15
	GeneDormantBelow    = 0.2
	GeneDefaultStrength = 0.5
)

// Pattern confidence: frequency / (frequency + PatternConfidenceK)
const (
	PatternConfidenceK     = 3
	PatternStaleDecay      = 0.9
	PatternSignatureLength = 16
)

// Weightmap smoothing
const (
	VolatilityAlpha  = 0.2
	TrendBeta        = 0.3
	TrendThreshold   = 0.01
	DefaultDecayRate = 0.05
	DomainIdleAfter  = 24 * time.Hour
)

// Calibration buckets
const (
	CalibrationBuckets = 5
	CalibrationWidth   = 0.2
)

// Engine flag keys
const (
	FlagKillSwitch       = "kill_switch"
	FlagBootstrapUntil   = "bootstrap_until"
	FlagLastLifecycleRun = "last_lifecycle_run"
)

// Clamp01 limits v to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
