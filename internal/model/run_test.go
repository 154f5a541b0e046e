package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatusQueued, "queued"},
		{RunStatusPreprocessing, "preprocessing"},
		{RunStatusFeaturizing, "featurizing"},
		{RunStatusClustering, "clustering"},
		{RunStatusTraining, "training"},
		{RunStatusPredicting, "predicting"},
		{RunStatusReporting, "reporting"},
		{RunStatusComplete, "complete"},
		{RunStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestStageStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status StageStatus
		want   string
	}{
		{StageStatusRunning, "running"},
		{StageStatusComplete, "complete"},
		{StageStatusFailed, "failed"},
		{StageStatusCached, "cached"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestStageResultJSON(t *testing.T) {
	t.Parallel()

	sr := StageResult{
		Name:     "preprocess",
		Status:   StageStatusCached,
		Duration: 1200,
		Rows:     744,
	}
	data, err := json.Marshal(sr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"duration_ms":1200`)
	assert.NotContains(t, string(data), "error")
	assert.NotContains(t, string(data), "metadata")
}
