package log

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/metrics"
)

func TestWithComponentAppliesComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:      InfoLevel,
		JSONOutput: true,
		Output:     &buf,
		ComponentLevels: map[string]Level{
			"amender": DebugLevel,
		},
	})

	amenderLog := WithComponent("amender")
	require.Equal(t, zerolog.DebugLevel, amenderLog.GetLevel())

	// updatephase has no override: it inherits the base level (info) that
	// Init pins on the global Logger.
	otherLog := WithComponent("updatephase")
	require.Equal(t, zerolog.InfoLevel, otherLog.GetLevel())
}

func TestInitWithoutComponentOverrideUsesGlobalLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	componentLog := WithComponent("merger")
	assert.Equal(t, zerolog.WarnLevel, componentLog.GetLevel())
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestMetricsHookCountsLogEvents(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	before := testutil.ToFloat64(metrics.LogEventsTotal.WithLabelValues("info"))
	Info("batch accepted")
	after := testutil.ToFloat64(metrics.LogEventsTotal.WithLabelValues("info"))

	assert.Equal(t, float64(1), after-before)
}
