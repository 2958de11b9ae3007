package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Local actor and instance keys are 2048-bit: large enough for every
// fediverse peer, small enough that signing stays in the low milliseconds.
const rsaKeyBits = 2048

type RsaKeyPair struct {
	Private string
	Public  string
}

// GeneratePemKeypair creates a fresh RSA keypair encoded as PKCS#8 private /
// PKIX public PEM.
func GeneratePemKeypair() *RsaKeyPair {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		panic(err)
	}

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: pkcs8Bytes,
	})

	pkixBytes, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		panic(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pkixBytes,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}
}

// ParsePrivateKey parses a PEM private key, accepting both PKCS#8 and the
// legacy PKCS#1 encoding.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM type: %s", block.Type)
	}
}

// ParsePublicKey parses a PEM public key, accepting both PKIX and the legacy
// PKCS#1 encoding.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM type: %s", block.Type)
	}
}

// PublicKeyToPEM encodes a public key as PKIX PEM.
func PublicKeyToPEM(key *rsa.PublicKey) (string, error) {
	pkixBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal PKIX public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pkixBytes,
	})), nil
}

// LoadOrCreateKeyFile reads an RSA private key from path, generating and
// persisting one with owner-only permissions on first boot.
func LoadOrCreateKeyFile(path string) (*rsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivateKey(string(buf))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	keypair := GeneratePemKeypair()
	if err := os.WriteFile(path, []byte(keypair.Private), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist key file: %w", err)
	}
	return ParsePrivateKey(keypair.Private)
}
