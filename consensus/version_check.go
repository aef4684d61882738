package consensus

// VersionChecker implements the dangerous-version check spec §7 lists
// under "User-visible" without assigning it to a named module; folded
// here into the consensus store's install step (§4.4 step 11, "rescale
// parameters") since that is the point at which a newly-installed
// consensus's recommended-versions parameter becomes available.
//
// NetParams does not carry string lists (spec §3: "a list of named
// integer network parameters"), so the recommended-versions set is
// supplied by the caller from wherever the document actually carries it
// (the parser's own string-typed fields, out of this package's scope);
// VersionChecker only owns the one-shot latch and the comparison.
type VersionChecker struct {
	ourVersion string
	warned     bool
}

// NewVersionChecker returns a checker for the locally running version
// string.
func NewVersionChecker(ourVersion string) *VersionChecker {
	return &VersionChecker{ourVersion: ourVersion}
}

// Check compares ourVersion against the newly installed consensus's
// recommended-versions list and fires EventSink.DangerousVersion exactly
// once per process lifetime (one-shot WARN, per spec §7), not once per
// install.
func (v *VersionChecker) Check(recommended []string, sink EventSink) {
	if v.warned || len(recommended) == 0 {
		return
	}
	for _, r := range recommended {
		if r == v.ourVersion {
			return
		}
	}
	v.warned = true
	sink.DangerousVersion(v.ourVersion, recommended)
}

// Reset clears the one-shot latch, for use by tests or by a caller that
// wants to re-arm the warning after a binary upgrade.
func (v *VersionChecker) Reset() { v.warned = false }
