package consensus

import (
	"bytes"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"

	"github.com/veilmesh/relay/direrr"
)

// Cert is the narrow view of a certificate record this package needs from
// the certificate-store external collaborator (spec §1): an authority
// identity, the signing key it certifies, and that signing key's own
// public-key handle for raw verification.
type Cert struct {
	IdentityDigest   []byte
	SigningKeyDigest []byte
	SigningKey       sign.PublicKey
}

// Verifier verifies one voter's signature against one certificate,
// following cert.Verify's raw-public-key verification idiom but over the
// spec's Signature/Cert shapes instead of the teacher's wrapped
// Certificate format.
type Verifier struct{}

// VerifySignature implements spec §4.1: precondition checks on
// signing-key digest and identity digest, then a raw-public-key
// verification of Signature.SignatureBytes over the consensus's digest
// for Signature.Alg. On a precondition mismatch it returns an error
// without touching the terminal flags; otherwise it sets exactly one of
// GoodSignature/BadSignature as a side effect and returns nil.
func (Verifier) VerifySignature(c *Consensus, s *Signature, k *Cert) error {
	signingKeyDigest := hash.Sum256From(k.SigningKey)
	if !bytes.Equal(s.SigningKeyDigest, signingKeyDigest[:]) {
		return direrr.New(direrr.KindProtocolViolation, "cert-mismatch: signing key digest")
	}
	if !bytes.Equal(s.IdentityDigest, k.IdentityDigest) {
		return direrr.New(direrr.KindProtocolViolation, "cert-mismatch: identity digest")
	}

	want, ok := c.Digests[s.Alg]
	if !ok || len(want) != s.Alg.Len() {
		s.BadSignature = true
		return nil
	}

	if k.SigningKey.Scheme().Verify(k.SigningKey, want, s.SignatureBytes, nil) {
		s.GoodSignature = true
	} else {
		s.BadSignature = true
	}
	return nil
}
