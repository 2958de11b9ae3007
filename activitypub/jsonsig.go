package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/deemkeen/tusk/domain"
	"github.com/gowebpki/jcs"
)

// Embedded document proofs let a forwarded activity be authenticated even
// when the HTTP signature belongs to a different (relaying) server.
const (
	ProofTypeJcsRsa = "JcsRsaSignature2022"
	ProofPurpose    = "assertionMethod"
)

// Proof is the embedded signature object attached to activities.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

// canonicalizeDocument renders a JSON document in RFC 8785 form with any
// proof member removed.
func canonicalizeDocument(raw []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	delete(doc, "proof")
	stripped, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild document: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize document: %w", err)
	}
	return canonical, nil
}

// Canonicalize returns the RFC 8785 rendering of a JSON value.
func Canonicalize(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// SignDocument adds a JcsRsaSignature2022 proof to the activity map.
func SignDocument(activity map[string]any, key *rsa.PrivateKey, keyId string) error {
	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	canonical, err := canonicalizeDocument(raw)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(canonical)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign document: %w", err)
	}

	activity["proof"] = Proof{
		Type:               ProofTypeJcsRsa,
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: keyId,
		ProofPurpose:       ProofPurpose,
		// multibase base58btc
		ProofValue: "z" + base58.Encode(signature),
	}
	return nil
}

// DocumentProof extracts the embedded proof from a raw activity, or nil if
// there is none we understand. Legacy RsaSignature2017 blobs are ignored.
func DocumentProof(raw []byte) (*Proof, error) {
	var envelope struct {
		Proof *Proof `json:"proof"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if envelope.Proof == nil || envelope.Proof.Type != ProofTypeJcsRsa {
		return nil, nil
	}
	return envelope.Proof, nil
}

// VerifyDocumentProof checks an embedded proof against the signer's key.
func VerifyDocumentProof(raw []byte, proof *Proof, publicKey *rsa.PublicKey) error {
	if proof.ProofPurpose != ProofPurpose {
		return fmt.Errorf("%w: unexpected proof purpose %q", domain.ErrUnauthorized, proof.ProofPurpose)
	}
	if !strings.HasPrefix(proof.ProofValue, "z") {
		return fmt.Errorf("%w: proof value is not multibase base58btc", domain.ErrUnauthorized)
	}
	signature := base58.Decode(strings.TrimPrefix(proof.ProofValue, "z"))
	if len(signature) == 0 {
		return fmt.Errorf("%w: undecodable proof value", domain.ErrUnauthorized)
	}

	canonical, err := canonicalizeDocument(raw)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: document proof mismatch", domain.ErrUnauthorized)
	}
	return nil
}

// ProofSignerURL resolves the actor URL behind a proof's verification
// method. did:* methods are not dereferenceable over HTTP and are reported
// as unsupported signers.
func ProofSignerURL(proof *Proof) (string, error) {
	if strings.HasPrefix(proof.VerificationMethod, "did:") {
		return "", fmt.Errorf("%w: did verification methods are not supported", domain.ErrUnauthorized)
	}
	return SignerURLFromKeyId(proof.VerificationMethod), nil
}
