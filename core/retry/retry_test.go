// retry_test.go - Tests for the download backoff schedule.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayExponentialGrowth(t *testing.T) {
	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	require.Equal(t, 100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
	require.Equal(t, 200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
	require.Equal(t, 400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
	require.Equal(t, 800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
}

func TestDelayMaxCap(t *testing.T) {
	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second
	require.Equal(t, maxDelay, Delay(baseDelay, maxDelay, 0, 10))
}

func TestDelayJitterRange(t *testing.T) {
	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second
	jitter := 0.2
	for i := 0; i < 100; i++ {
		d := Delay(baseDelay, maxDelay, jitter, 0)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestScheduleDelayPlateausAtMaxTry(t *testing.T) {
	s := NewConsensusSchedule(time.Second, 2*time.Hour)
	s.Jitter = 0

	atMax := s.Delay(MaxDownloadTries)
	beyondMax := s.Delay(MaxDownloadTries + 5)
	require.Equal(t, atMax, beyondMax)
}

func TestScheduleDelayCapsAtMax(t *testing.T) {
	s := Schedule{Base: time.Second, Max: 10 * time.Second, Jitter: 0, MaxTry: 8}
	require.Equal(t, 10*time.Second, s.Delay(8))
}

func TestNewConsensusScheduleDefaults(t *testing.T) {
	s := NewConsensusSchedule(time.Second, time.Hour)
	require.Equal(t, MaxDownloadTries, s.MaxTry)
	require.Equal(t, time.Second, s.Base)
	require.Equal(t, time.Hour, s.Max)
}
