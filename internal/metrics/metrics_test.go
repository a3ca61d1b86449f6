// Copyright 2025 James Ross
package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordStageBuffersUntilBatchLimit(t *testing.T) {
	e := &Exporter{cfg: Config{FlushBatchLimit: 3}.withDefaults()}
	e.cfg.FlushBatchLimit = 3 // withDefaults would otherwise raise 0 to the real default

	e.RecordStage("instagram", "TRANSFORMATION", 5*time.Millisecond)
	e.RecordStage("instagram", "NORMALIZATION", 2*time.Millisecond)
	require.Len(t, e.buffer, 2)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, "pipeline_stage_timings", cfg.Table)
	require.Equal(t, 10*time.Second, cfg.FlushInterval)
	require.Equal(t, 5000, cfg.FlushBatchLimit)
}
