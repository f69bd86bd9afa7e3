// Package auth builds the streaming authentication handshake.
//
// The handshake carries either a session bearer token, an RSA-PSS signed
// API key proof, or both. The signature covers timestamp_ms + "AUTH" + nonce.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNoCredentials is returned when neither a token nor a signing key is configured.
var ErrNoCredentials = errors.New("no credentials configured")

// Credentials holds what the client presents during the handshake.
type Credentials struct {
	KeyID      string          // API key ID
	PrivateKey *rsa.PrivateKey // Optional RSA key for signed proofs
	Token      string          // Optional session bearer token
}

// HandshakeParams is the params object of an "auth" frame.
type HandshakeParams struct {
	Token     string `json:"token,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // Unix milliseconds
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// LoadCredentials builds credentials from config values. privateKeyPath may be empty.
func LoadCredentials(keyID, privateKeyPath, token string) (*Credentials, error) {
	creds := &Credentials{KeyID: keyID, Token: token}

	if privateKeyPath != "" {
		if keyID == "" {
			return nil, fmt.Errorf("API key ID is required with a private key")
		}
		privateKey, err := LoadPrivateKey(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		creds.PrivateKey = privateKey
	}

	if creds.Token == "" && creds.PrivateKey == nil {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// Handshake builds fresh handshake params. Each call uses a new nonce and timestamp.
func (c *Credentials) Handshake() (HandshakeParams, error) {
	if c == nil {
		return HandshakeParams{}, ErrNoCredentials
	}

	params := HandshakeParams{Token: c.Token}
	if c.PrivateKey == nil {
		if c.Token == "" {
			return HandshakeParams{}, ErrNoCredentials
		}
		return params, nil
	}

	params.KeyID = c.KeyID
	params.Timestamp = time.Now().UnixMilli()
	params.Nonce = uuid.NewString()

	signature, err := c.sign(SigningMessage(params.Timestamp, params.Nonce))
	if err != nil {
		return HandshakeParams{}, err
	}
	params.Signature = signature
	return params, nil
}

// SigningMessage is the exact byte string signed for a handshake.
func SigningMessage(timestampMs int64, nonce string) []byte {
	return []byte(strconv.FormatInt(timestampMs, 10) + "AUTH" + nonce)
}

// Verify checks a handshake signature against a public key.
func Verify(pub *rsa.PublicKey, params HandshakeParams) error {
	sig, err := base64.StdEncoding.DecodeString(params.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	hashed := sha256.Sum256(SigningMessage(params.Timestamp, params.Nonce))
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

// sign creates a base64 RSA-PSS SHA-256 signature.
func (c *Credentials) sign(message []byte) (string, error) {
	hashed := sha256.Sum256(message)

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
