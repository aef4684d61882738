// Package clock provides the wall-clock abstraction consumed by the
// consensus directory subsystem.  The clock source itself is an external
// collaborator (it may be backed by NTP-checked system time, a test clock,
// or a simulation harness); this package only defines the narrow interface
// the rest of the module needs and a default implementation over time.Now.
package clock

import "time"

// Clock is the narrow time source the directory subsystem depends on.
// All comparisons elsewhere in the module are expressed as <=/< on the
// time.Time values this returns.
type Clock interface {
	Now() time.Time
}

// Wall is the default Clock, backed directly by the runtime clock.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time { return time.Now() }

// Fixed is a Clock that always returns the same instant, useful for tests
// that need deterministic "now" values without races on a mutable field.
type Fixed time.Time

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return time.Time(f) }
