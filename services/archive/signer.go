package archive

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"
)

// Signer signs and verifies archive manifests with an Ed25519 key whose seed
// is an age X25519 secret key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. A public key alone can only verify.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secret := strings.TrimSpace(secretKey)
	pub := strings.TrimSpace(publicKey)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envAgePublicKey, err)
		}
		if s.publicKey != nil && !bytes.Equal(s.publicKey, decoded) {
			return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
		}
		s.publicKey = decoded
	}
	return s, nil
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks signature over payload. When the manifest embeds its signing
// key it must match the configured one; a signer without a key trusts the
// embedded key.
func (s *Signer) Verify(payload []byte, signature, manifestPublicKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.publicKey
	if manifestPublicKey != "" {
		embedded, err := decodePublicKey(manifestPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if key != nil && !bytes.Equal(key, embedded) {
			return errors.New("manifest signed by unexpected key")
		}
		key = embedded
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
