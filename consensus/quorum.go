package consensus

import (
	"strings"
	"time"
)

// QuorumResult is the quorum checker's classification of a consensus
// against the set of recognized authorities, per spec §4.2.
type QuorumResult int

const (
	// ResultAllGood means every recognized authority signed and verified.
	ResultAllGood QuorumResult = iota
	// ResultEnough means at least Q good signatures were found.
	ResultEnough
	// ResultNeedMoreCerts means the quorum is reachable once missing
	// certs (whose download has not recently failed) are obtained.
	ResultNeedMoreCerts
	// ResultInsufficient means quorum cannot be reached as things stand.
	ResultInsufficient
)

func (r QuorumResult) String() string {
	switch r {
	case ResultAllGood:
		return "all_good"
	case ResultEnough:
		return "enough"
	case ResultNeedMoreCerts:
		return "need_more_certs"
	default:
		return "insufficient"
	}
}

// Authority is one statically configured recognized v3 directory
// authority (spec §4.2: "the set of recognized v3 authorities, configured
// out-of-band"). It is supplied by the options/config external
// collaborator, not discovered from a consensus.
type Authority struct {
	IdentityDigest []byte
	Nickname       string
}

// CertStore is the narrow view of the certificate-store external
// collaborator the quorum checker needs: look up a cert by the identity
// and signing-key digest pair, and report whether a download for missing
// certs for that identity has recently failed.
type CertStore interface {
	Lookup(identityDigest, signingKeyDigest []byte) (*Cert, bool)
	CertExpired(c *Cert, now time.Time) bool
	DownloadRecentlyFailed(identityDigest []byte) bool
}

type voterClass int

const (
	classUnknown voterClass = iota
	classMissing
	classBad
	classGood
	classNoSig
)

// QuorumReport is the diagnostic surface spec §7 calls for: per-class
// counts plus nicknames for drill-down, and the list of configured
// authorities absent from the consensus's voter list entirely.
type QuorumReport struct {
	Result               QuorumResult
	NGood                int
	NBad                 int
	NMissing             int
	NMissingFailedDL     int
	NUnknown             int
	NNoSig               int
	GoodNicknames        []string
	MissingNicknames     []string
	UnknownNicknames     []string
	AbsentAuthorities    []string // authorities in A with no voter entry in C
}

// CheckQuorum implements spec §4.2. A is the recognized authority set,
// verifier classifies each not-yet-classified signature and store
// resolves certs; now is used only to detect cert expiry.
func CheckQuorum(c *Consensus, a []Authority, store CertStore, verifier Verifier, now time.Time) QuorumReport {
	byIdentity := make(map[string]Authority, len(a))
	for _, auth := range a {
		byIdentity[string(auth.IdentityDigest)] = auth
	}

	seenVoters := make(map[string]bool, len(c.Voters))
	report := QuorumReport{}

	for i := range c.Voters {
		v := &c.Voters[i]
		seenVoters[string(v.IdentityDigest)] = true

		auth, known := byIdentity[string(v.IdentityDigest)]
		class, missingFailedDL := classifyVoter(c, v, known, store, verifier, now)

		switch class {
		case classUnknown:
			report.NUnknown++
			report.UnknownNicknames = append(report.UnknownNicknames, v.Nickname)
		case classMissing:
			report.NMissing++
			report.MissingNicknames = append(report.MissingNicknames, v.Nickname)
			if missingFailedDL {
				report.NMissingFailedDL++
			}
		case classBad:
			report.NBad++
		case classGood:
			report.NGood++
			report.GoodNicknames = append(report.GoodNicknames, auth.Nickname)
		case classNoSig:
			report.NNoSig++
		}
	}

	for _, auth := range a {
		if !seenVoters[string(auth.IdentityDigest)] {
			report.AbsentAuthorities = append(report.AbsentAuthorities, auth.Nickname)
		}
	}

	q := len(a)/2 + 1
	switch {
	case report.NGood == len(a):
		report.Result = ResultAllGood
	case report.NGood >= q:
		report.Result = ResultEnough
	case report.NGood+report.NMissing >= q && report.NGood+report.NMissing-report.NMissingFailedDL >= q:
		report.Result = ResultNeedMoreCerts
	default:
		report.Result = ResultInsufficient
	}
	return report
}

// classifyVoter applies spec §4.2's priority-ordered bucket rule to one
// voter: unknown and good are decided as soon as they're known (unknown
// before any signature is examined, good on the first signature that
// verifies); once no good signature is found, a single bad signature
// outranks a missing cert (ground truth: networkstatus.c's per-voter
// loop checks bad_here before missing_key_here), so a voter with both a
// bad and a missing-cert signature classifies bad, not missing.
func classifyVoter(c *Consensus, v *Voter, known bool, store CertStore, verifier Verifier, now time.Time) (voterClass, bool) {
	if !known {
		return classUnknown, false
	}
	if len(v.Signatures) == 0 {
		return classNoSig, false
	}

	anyMissing := false
	anyBad := false
	missingFailedDL := false

	for i := range v.Signatures {
		s := &v.Signatures[i]
		if s.Verified() {
			if s.GoodSignature {
				return classGood, false
			}
			anyBad = true
			continue
		}

		cert, ok := store.Lookup(v.IdentityDigest, s.SigningKeyDigest)
		if !ok || store.CertExpired(cert, now) {
			anyMissing = true
			if store.DownloadRecentlyFailed(v.IdentityDigest) {
				missingFailedDL = true
			}
			continue
		}

		if err := verifier.VerifySignature(c, s, cert); err != nil {
			anyBad = true
			continue
		}
		if s.GoodSignature {
			return classGood, false
		}
		anyBad = true
	}

	switch {
	case anyBad:
		return classBad, false
	case anyMissing:
		return classMissing, missingFailedDL
	default:
		return classNoSig, false
	}
}

// FormatDiagnostic renders the good/missing-key/unknown/missing-voter
// diagnostic list spec §7 requires on insufficient-signature failures.
func (r QuorumReport) FormatDiagnostic() string {
	var b strings.Builder
	b.WriteString("good: ")
	b.WriteString(strings.Join(r.GoodNicknames, ","))
	b.WriteString("; missing-key: ")
	b.WriteString(strings.Join(r.MissingNicknames, ","))
	b.WriteString("; unknown: ")
	b.WriteString(strings.Join(r.UnknownNicknames, ","))
	b.WriteString("; missing-voter: ")
	b.WriteString(strings.Join(r.AbsentAuthorities, ","))
	return b.String()
}
