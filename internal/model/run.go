package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued        RunStatus = "queued"
	RunStatusPreprocessing RunStatus = "preprocessing"
	RunStatusFeaturizing   RunStatus = "featurizing"
	RunStatusClustering    RunStatus = "clustering"
	RunStatusTraining      RunStatus = "training"
	RunStatusPredicting    RunStatus = "predicting"
	RunStatusReporting     RunStatus = "reporting"
	RunStatusComplete      RunStatus = "complete"
	RunStatusFailed        RunStatus = "failed"
)

// Run represents a single invocation of the demand pipeline.
type Run struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Config    map[string]any `json:"config,omitempty"`
	Status    RunStatus      `json:"status"`
	Result    *RunResult     `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	Cells          int           `json:"cells"`
	GridRows       int           `json:"grid_rows"`
	ValidationMAE  float64       `json:"validation_mae"`
	ValidationRMSE float64       `json:"validation_rmse"`
	BestIteration  int           `json:"best_iteration"`
	Stages         []StageResult `json:"stages"`
	Error          string        `json:"error,omitempty"`
}

// RunStage represents one stage within a run.
type RunStage struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    StageStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// StageStatus represents the current state of a pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusCached   StageStatus = "cached"
)

// StageResult holds the outcome of a pipeline stage.
type StageResult struct {
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Rows     int            `json:"rows"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Prediction is one scored (cell, hour) row. Actual is NaN when the hour has
// no observed demand.
type Prediction struct {
	Cell      string    `json:"cell"`
	Hour      time.Time `json:"hour"`
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
}

// CellSummary is the per-cell hotspot profile written after clustering.
type CellSummary struct {
	Cell        string  `json:"cell"`
	Cluster     int     `json:"cluster"`
	MeanDemand  float64 `json:"mean_demand"`
	TotalDemand float64 `json:"total_demand"`
	PeakDemand  float64 `json:"peak_demand"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}
