// Package token implements the room token consumed on connect.
//
// A token is an opaque sealed blob minted by the external web service and
// presented by the client as the ConnectWithToken payload. Sealing uses
// XChaCha20-Poly1305 with a key shared between issuer and server, so
// verification is stateless and deterministic.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// StageCreate in the StageID field authorizes creating a fresh stage of
// the token's StageType instead of joining an existing one.
const StageCreate int64 = -1

// Verification failure reasons.
var (
	ErrMalformed   = errors.New("token malformed")
	ErrSignature   = errors.New("token signature invalid")
	ErrExpired     = errors.New("token expired")
	ErrNotYetValid = errors.New("token not yet valid")
)

// Claims are the verified contents of a room token.
type Claims struct {
	AccountID int64
	StageID   int64 // StageCreate authorizes a factory-produced stage
	StageType string
	UserInfo  []byte // opaque application payload, passed to OnJoinRoom
	NotBefore time.Time
	NotAfter  time.Time
}

const claimsVersion = 1

// Verifier seals and opens room tokens with a fixed 32-byte key.
type Verifier struct {
	key []byte
}

// NewVerifier creates a Verifier for the given 32-byte key.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Verifier{key: append([]byte(nil), key...)}, nil
}

// Seal mints a token for the given claims. Used by the issuer side and by
// the roomtoken utility; the server itself only verifies.
func (v *Verifier) Seal(c Claims) ([]byte, error) {
	if len(c.StageType) > 255 {
		return nil, fmt.Errorf("stage_type too long: %d", len(c.StageType))
	}

	plain := encodeClaims(c)

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Verify opens a token and checks its validity window against now.
func (v *Verifier) Verify(blob []byte, now time.Time) (Claims, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return Claims{}, fmt.Errorf("creating aead: %w", err)
	}

	if len(blob) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return Claims{}, ErrMalformed
	}

	nonce := blob[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return Claims{}, ErrSignature
	}

	c, err := decodeClaims(plain)
	if err != nil {
		return Claims{}, err
	}

	if now.Before(c.NotBefore) {
		return Claims{}, ErrNotYetValid
	}
	if now.After(c.NotAfter) {
		return Claims{}, ErrExpired
	}
	return c, nil
}

func encodeClaims(c Claims) []byte {
	buf := make([]byte, 0, 1+8+8+8+8+1+len(c.StageType)+4+len(c.UserInfo))
	buf = append(buf, claimsVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.AccountID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.StageID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.NotBefore.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.NotAfter.Unix()))
	buf = append(buf, byte(len(c.StageType)))
	buf = append(buf, c.StageType...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.UserInfo)))
	buf = append(buf, c.UserInfo...)
	return buf
}

func decodeClaims(plain []byte) (Claims, error) {
	if len(plain) < 1+8+8+8+8+1+4 {
		return Claims{}, ErrMalformed
	}
	if plain[0] != claimsVersion {
		return Claims{}, ErrMalformed
	}

	var c Claims
	c.AccountID = int64(binary.BigEndian.Uint64(plain[1:]))
	c.StageID = int64(binary.BigEndian.Uint64(plain[9:]))
	c.NotBefore = time.Unix(int64(binary.BigEndian.Uint64(plain[17:])), 0)
	c.NotAfter = time.Unix(int64(binary.BigEndian.Uint64(plain[25:])), 0)

	typeLen := int(plain[33])
	rest := plain[34:]
	if len(rest) < typeLen+4 {
		return Claims{}, ErrMalformed
	}
	c.StageType = string(rest[:typeLen])
	rest = rest[typeLen:]

	infoLen := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if len(rest) != infoLen {
		return Claims{}, ErrMalformed
	}
	if infoLen > 0 {
		c.UserInfo = append([]byte(nil), rest...)
	}
	return c, nil
}
