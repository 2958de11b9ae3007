package activitypub

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
)

// maxDateSkew is how far an inbound request's Date header may drift from
// local time before the signature is rejected.
const maxDateSkew = 12 * time.Hour

var postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
var getSignedHeaders = []string{httpsig.RequestTarget, "host", "date"}

// SignRequest signs an outbound POST carrying body. Date, Host and Digest
// are set here; the Signature header is produced by the library over
// (request-target) host date digest.
func SignRequest(req *http.Request, body []byte, key *rsa.PrivateKey, keyId string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		postSignedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyId, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// SignGetRequest signs a bodyless GET over (request-target) host date.
func SignGetRequest(req *http.Request, key *rsa.PrivateKey, keyId string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		getSignedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyId, req, nil); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// RequestKeyId extracts the keyId of an inbound request's Signature header
// without verifying anything yet.
func RequestKeyId(r *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return verifier.KeyId(), nil
}

// SignerURLFromKeyId derives the signing actor's URL from a keyId by
// stripping the fragment and a trailing /main-key path segment.
func SignerURLFromKeyId(keyId string) string {
	signerURL := keyId
	if idx := strings.Index(signerURL, "#"); idx >= 0 {
		signerURL = signerURL[:idx]
	}
	signerURL = strings.TrimSuffix(signerURL, "/main-key")
	return signerURL
}

// VerifyRequest checks an inbound request against a signer's public key:
// the signature must verify, the enumerated headers must include at least
// (request-target) and host, and a Date header (when present) must be
// within ±12 hours of local time.
func VerifyRequest(r *http.Request, publicKeyPem string) error {
	if err := checkSignedHeaders(r.Header.Get("Signature")); err != nil {
		return err
	}

	if date := r.Header.Get("Date"); date != "" {
		parsed, err := http.ParseTime(date)
		if err != nil {
			return fmt.Errorf("%w: unparsable date header", domain.ErrUnauthorized)
		}
		if skew := time.Since(parsed); skew > maxDateSkew || skew < -maxDateSkew {
			return fmt.Errorf("%w: date header outside allowed window", domain.ErrUnauthorized)
		}
	}

	publicKey, err := util.ParsePublicKey(publicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: signer key unusable: %v", domain.ErrUnauthorized, err)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: signature mismatch: %v", domain.ErrUnauthorized, err)
	}
	return nil
}

// checkSignedHeaders enforces the minimum header coverage on the Signature
// header's headers="..." parameter.
func checkSignedHeaders(signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", domain.ErrUnauthorized)
	}

	covered := signatureHeaderList(signature)
	hasTarget, hasHost := false, false
	for _, name := range covered {
		switch name {
		case "(request-target)":
			hasTarget = true
		case "host":
			hasHost = true
		}
	}
	if !hasTarget || !hasHost {
		return fmt.Errorf("%w: signature must cover (request-target) and host", domain.ErrUnauthorized)
	}
	return nil
}

// signatureHeaderList parses the headers parameter of a Signature header.
// An absent parameter defaults to just "date" per the cavage draft.
func signatureHeaderList(signature string) []string {
	for _, part := range strings.Split(signature, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "headers=") {
			continue
		}
		value := strings.Trim(strings.TrimPrefix(part, "headers="), `"`)
		names := strings.Fields(strings.ToLower(value))
		return names
	}
	return []string{"date"}
}
