// Package authtoken implements the stateless API-key codec that binds a
// printable token to a principal id (sid) without any server-side
// session: a BLAKE2b digest of the sid, encrypted under a ChaCha20
// stream cipher keyed by a shared secret with a deterministic nonce.
package authtoken

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
)

const digestSize = 16

// Codec encodes and verifies tokens under a single system secret.
type Codec struct {
	key   [chacha20.KeySize]byte
	nonce [chacha20.NonceSize]byte
}

// NewCodec derives a codec from secret. secret need not be exactly 32
// bytes: it is hashed down to a key of the right size, and the nonce is
// deterministically derived from that key so the same secret always
// yields the same tokens.
func NewCodec(secret string) *Codec {
	key := blake2b.Sum256([]byte(secret))

	c := &Codec{key: key}
	nonceHash, err := blake2b.New(chacha20.NonceSize, key[:])
	if err != nil {
		panic(fmt.Sprintf("authtoken: building nonce hash: %v", err))
	}
	nonceHash.Write([]byte("yatcc-se/authtoken/nonce"))
	copy(c.nonce[:], nonceHash.Sum(nil))
	return c
}

func (c *Codec) cipher() (*chacha20.Cipher, error) {
	return chacha20.NewUnauthenticatedCipher(c.key[:], c.nonce[:])
}

func digestOf(sid string) []byte {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		panic(fmt.Sprintf("authtoken: building digest hash: %v", err))
	}
	h.Write([]byte(sid))
	return h.Sum(nil)
}

// Encode produces the printable token for sid: "<base64url ciphertext>:<sid>".
func (c *Codec) Encode(sid string) (string, error) {
	stream, err := c.cipher()
	if err != nil {
		return "", fmt.Errorf("authtoken: building cipher: %w", err)
	}

	digest := digestOf(sid)
	ciphertext := make([]byte, len(digest))
	stream.XORKeyStream(ciphertext, digest)

	return base64.RawURLEncoding.EncodeToString(ciphertext) + ":" + sid, nil
}

// Verify splits token on its first ':', decrypts the prefix, and accepts
// iff the decrypted bytes equal the BLAKE2b digest of the literal suffix.
// Any malformed input or mismatch returns an AuthFailed error.
func (c *Codec) Verify(token string) (sid string, err error) {
	colon := strings.IndexByte(token, ':')
	if colon < 0 {
		return "", apierrors.AuthFailed()
	}

	prefix, sid := token[:colon], token[colon+1:]
	ciphertext, err := base64.RawURLEncoding.DecodeString(prefix)
	if err != nil || len(ciphertext) != digestSize {
		return "", apierrors.AuthFailed()
	}

	stream, err := c.cipher()
	if err != nil {
		return "", fmt.Errorf("authtoken: building cipher: %w", err)
	}
	decrypted := make([]byte, len(ciphertext))
	stream.XORKeyStream(decrypted, ciphertext)

	if subtle.ConstantTimeCompare(decrypted, digestOf(sid)) != 1 {
		return "", apierrors.AuthFailed()
	}
	return sid, nil
}
