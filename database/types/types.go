package types

import "time"

// PredictionFilter narrows prediction listings
type PredictionFilter struct {
	Status          string
	Domain          string
	Type            string
	ConversationRef string
	MessageRef      string
	Limit           int
}

// OutcomeFilter narrows outcome listings
type OutcomeFilter struct {
	Domain      string
	TriggerType string
	Severity    string
	Result      string
	Since       *time.Time
	Limit       int
}

// PatternFilter narrows pattern listings
type PatternFilter struct {
	Domain      string
	PatternType string
	Status      string
	Limit       int
}

// GeneFilter narrows gene listings
type GeneFilter struct {
	Domain      string
	Status      string
	GeneType    string
	MinStrength float64
	Limit       int
}

// StatusCount is one GROUP BY bucket
type StatusCount struct {
	Key   string `gorm:"column:bucket_key" json:"key"`
	Count int64  `gorm:"column:total" json:"count"`
}

// CalibrationSample is a resolved prediction reduced to what calibration needs
type CalibrationSample struct {
	Domain     string
	Confidence float64
	Status     string
}

// UserDomain identifies one weightmap row
type UserDomain struct {
	UserID string
	Domain string
}

// DashboardSummary is the aggregate view of one user's engine state
type DashboardSummary struct {
	PredictionsByStatus map[string]int64 `json:"predictions_by_status"`
	OutcomesByResult    map[string]int64 `json:"outcomes_by_result"`
	GenesByStatus       map[string]int64 `json:"genes_by_status"`
	PatternsByStatus    map[string]int64 `json:"patterns_by_status"`
	DomainCount         int64            `json:"domain_count"`
	AvgAccuracy         float64          `json:"avg_accuracy"`
	AvgGeneStrength     float64          `json:"avg_gene_strength"`
	AuditEntries        int64            `json:"audit_entries"`
	KillSwitch          bool             `json:"kill_switch"`
	BootstrapActive     bool             `json:"bootstrap_active"`
	LastLifecycleRun    *time.Time       `json:"last_lifecycle_run,omitempty"`
}

// WindowStats summarizes one reporting window
type WindowStats struct {
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	PredictionsMade     int64     `json:"predictions_made"`
	PredictionsResolved int64     `json:"predictions_resolved"`
	Correct             int64     `json:"correct"`
	Wrong               int64     `json:"wrong"`
	Partial             int64     `json:"partial"`
	Accuracy            float64   `json:"accuracy"`
	GenesCreated        int64     `json:"genes_created"`
	GeneConfirmations   int64     `json:"gene_confirmations"`
	GeneContradictions  int64     `json:"gene_contradictions"`
	GenesProposed       int64     `json:"genes_proposed"`
	AvgCalibrationGap   float64   `json:"avg_calibration_gap"`
}

// WeeklyReport compares the last seven days with the seven before
type WeeklyReport struct {
	ThisWeek          WindowStats `json:"this_week"`
	LastWeek          WindowStats `json:"last_week"`
	AccuracyChange    float64     `json:"accuracy_change"`
	CalibrationChange float64     `json:"calibration_change"`
	ImprovingDomains  []string    `json:"improving_domains"`
	DecliningDomains  []string    `json:"declining_domains"`
}

// TrendPoint is one week of the accuracy trend
type TrendPoint struct {
	WeekStart time.Time `json:"week_start"`
	Resolved  int64     `json:"resolved"`
	Correct   int64     `json:"correct"`
	Accuracy  float64   `json:"accuracy"`
}
