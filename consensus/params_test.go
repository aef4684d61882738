package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetParamDefaultsAndClamps(t *testing.T) {
	t.Parallel()
	c := &Consensus{NetParams: map[string]int64{"circwindow": 500, "toolow": -5, "toohigh": 999}}

	require.Equal(t, int64(500), GetParam(c, "circwindow", 1000, 100, 2000))
	require.Equal(t, int64(100), GetParam(c, "toolow", 1000, 100, 2000))
	require.Equal(t, int64(900), GetParam(c, "toohigh", 1000, 100, 900))
	require.Equal(t, int64(42), GetParam(c, "missing", 42, 0, 1000))
	require.Equal(t, int64(7), GetParam(nil, "circwindow", 7, 0, 1000))
}

func TestGetBWWeightCapsAtScale(t *testing.T) {
	t.Parallel()
	c := &Consensus{BWWeights: map[string]int64{"Wgg": 50000}}

	require.Equal(t, int64(10000), GetBWWeight(c, "Wgg", 0, 10000))
	require.Equal(t, int64(0), GetBWWeight(c, "missing", 0, 10000))
	require.Equal(t, int64(5), GetBWWeight(nil, "Wgg", 5, 10000))
}
