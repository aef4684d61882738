// retry.go - Shared retry logic with exponential backoff.
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

// Package retry provides the exponential-backoff-with-jitter schedule used
// by the download scheduler to space out consensus and microdescriptor
// batch retries.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// MaxDownloadTries is CONSENSUS_NETWORKSTATUS_MAX_DL_TRIES: once a
// download-status counter reaches this many consecutive failures, the
// backoff schedule plateaus at its maximum delay instead of continuing to
// grow.
const MaxDownloadTries = 8

// Schedule computes delays for a capped exponential backoff: base delay
// doubling per failed attempt, capped at maxDelay, with +/- jitter applied
// multiplicatively so that many clients retrying the same resource do not
// retry in lockstep.
type Schedule struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	MaxTry int
}

// NewConsensusSchedule returns the schedule used for per-flavor consensus
// downloads: it plateaus once the failure count reaches MaxDownloadTries.
func NewConsensusSchedule(base, max time.Duration) Schedule {
	return Schedule{Base: base, Max: max, Jitter: 0.2, MaxTry: MaxDownloadTries}
}

// Delay returns the wait before the next attempt given the number of
// consecutive prior failures. attempt is clamped to MaxTry so that the
// schedule plateaus rather than continuing to grow without bound.
func (s Schedule) Delay(attempt int) time.Duration {
	if s.MaxTry > 0 && attempt > s.MaxTry {
		attempt = s.MaxTry
	}
	delay := float64(s.Base) * math.Pow(2, float64(attempt))
	if delay > float64(s.Max) {
		delay = float64(s.Max)
	}
	if s.Jitter > 0 {
		r := rand.NewMath()
		factor := 1 - s.Jitter + r.Float64()*2*s.Jitter
		delay *= factor
	}
	return time.Duration(delay)
}

// Delay is the free-function form of Schedule.Delay, kept for callers that
// only need a one-off backoff computation without constructing a Schedule.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		r := rand.NewMath()
		factor := 1 - jitter + r.Float64()*2*jitter
		delay *= factor
	}
	return time.Duration(delay)
}
