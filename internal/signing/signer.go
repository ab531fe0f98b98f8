// Package signing manages the RSA keypair used to sign Merkle roots for
// checkpoints and exported snapshot artifacts. Signatures are
// PKCS#1 v1.5 over SHA-256 of the hex root string, base64-encoded, so an
// external party can verify an artifact with nothing but the public key.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
	keyBits        = 2048
)

// Signer holds a loaded private signing key and its identity.
type Signer struct {
	key      *rsa.PrivateKey
	signerID string
	pubPEM   []byte
}

// Load reads a PEM private key from path. signerID is the holder identity
// recorded on every checkpoint and artifact it signs.
func Load(path, signerID string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*rsa.PrivateKey); !ok {
				err = errors.New("not an RSA key")
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, signerID: signerID, pubPEM: pubPEM}, nil
}

// Generate creates a fresh RSA keypair and writes private.pem and public.pem
// into dir. It refuses to overwrite an existing private key.
func Generate(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, privateKeyFile)
	pubPath = filepath.Join(dir, publicKeyFile)
	if _, err := os.Stat(privPath); err == nil {
		return "", "", fmt.Errorf("refusing to overwrite existing key %s", privPath)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key dir %q: %w", dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, pubPath, nil
}

// SignRoot signs a hex Merkle root and returns the base64 signature.
func (s *Signer) SignRoot(root string) (string, error) {
	digest := sha256.Sum256([]byte(root))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign root: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignerID returns the holder identity recorded on signed artifacts.
func (s *Signer) SignerID() string { return s.signerID }

// Fingerprint returns the SHA-256 hex digest of the public key PEM — a
// stable identifier letting verifiers pick the right key.
func (s *Signer) Fingerprint() string {
	return FingerprintPEM(s.pubPEM)
}

// PublicKeyPEM returns the signer's public key in PEM form.
func (s *Signer) PublicKeyPEM() []byte {
	return append([]byte(nil), s.pubPEM...)
}

// Key exposes the private key for components that co-sign with it, such as
// the admin token issuer.
func (s *Signer) Key() *rsa.PrivateKey { return s.key }

// FingerprintPEM returns the SHA-256 hex digest of PEM bytes.
func FingerprintPEM(pemBytes []byte) string {
	sum := sha256.Sum256(pemBytes)
	return hex.EncodeToString(sum[:])
}

// LoadPublicKey reads a PEM public key from path.
func LoadPublicKey(path string) (*rsa.PublicKey, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKey(raw)
	if err != nil {
		return nil, nil, err
	}
	return key, raw, nil
}

// ParsePublicKey parses a PEM-encoded RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return key, nil
}

// VerifyRoot checks a base64 signature over a hex Merkle root.
func VerifyRoot(pub *rsa.PublicKey, root, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(root))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature does not match root: %w", err)
	}
	return nil
}

func encodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
