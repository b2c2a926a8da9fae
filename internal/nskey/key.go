// Package nskey implements Spring '83 public/private key parsing,
// generation support, and validity checks. A Spring '83 key is the public
// half of an Ed25519 keypair whose final four bytes embed a "magic" marker
// and an expiry month/year, giving keys a built-in challenge factor and
// lifetime without any external registry.
package nskey

import (
	"crypto/ed25519"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const (
	// MaxLifetime is the maximum validity period of a Spring '83 key,
	// measured backward from the last instant of its expiry month.
	MaxLifetime = 2 * 365 * 24 * time.Hour

	// MagicNibble is the low nibble every conforming public key's
	// third-to-last byte must carry.
	MagicNibble byte = 0x08

	// MagicByte is the exact value every conforming public key's
	// second-to-last byte must carry.
	MagicByte byte = 0x3E
)

// Test private/public keypair defined by the Spring '83 specification.
// Attempts to PUT content under this key are always rejected (via the
// denylist); GET requests for it always return freshly synthesized,
// signed content to help client implementers test their integrations.
const (
	TestPrivateKey = "3371f8b011f51632fea33ed0a3688c26a45498205c6097c352bd4d079d224419"
	TestPublicKey  = "ab589f4dde9fce4180fcf42c7b05185b0a02a5d682e353fa39177995083e0583"
)

// InfernalPublicKey is the key published alongside the Spring '83 draft
// specification as a caution against using a well-known keypair; every
// compliant server denylists it.
const InfernalPublicKey = "d17eef211f510479ee6696495a2589f7e9fb055c2576749747d93444883e0123"

var (
	ErrKeyExpired     = xerrors.New("key is expired")
	ErrKeyInvalid     = xerrors.New("key is invalid")
	ErrKeyNotYetValid = xerrors.New("key is not yet valid")
)

// keyRE matches a 64-character hex public key whose final seven characters
// encode the magic suffix and an expiry month/year.
// See: https://github.com/robinsloan/spring-83/blob/main/draft-20220629.md#key-format
var keyRE = regexp.MustCompile(`\A[0-9a-f]{57}83e(0[1-9]|1[0-2])(\d\d)\z`)

// KeyMonthYear is the expiration month and year embedded in a public key's
// final two bytes.
type KeyMonthYear struct {
	Month int // 1-12
	Year  int // four digit, e.g. 2024
}

// ExpiresAt returns the last valid instant for a key with this expiry: the
// final second of the expiry month.
func (my KeyMonthYear) ExpiresAt() time.Time {
	expiryMonth := time.Date(my.Year, time.Month(my.Month), 1, 0, 0, 0, 0, time.UTC)
	return relativeMonth(expiryMonth, 1).Add(-1 * time.Second)
}

// ValidAt returns the earliest instant at which a key with this expiry
// becomes valid: MaxLifetime before the first of its expiry month.
func (my KeyMonthYear) ValidAt() time.Time {
	expiryMonth := time.Date(my.Year, time.Month(my.Month), 1, 0, 0, 0, 0, time.UTC)
	return expiryMonth.Add(-MaxLifetime)
}

// CheckExpirationDate reports whether a key with this expiry is valid at
// now: not yet expired, and not more than MaxLifetime in the future.
func (my KeyMonthYear) CheckExpirationDate(now time.Time) error {
	if now.After(my.ExpiresAt()) {
		return ErrKeyExpired
	}
	if my.ValidAt().After(now) {
		return ErrKeyNotYetValid
	}
	return nil
}

// Key represents a Spring '83 public key. It can verify content signed
// under it, but can't sign anything itself.
type Key struct {
	PublicKey      string
	publicKeyBytes ed25519.PublicKey
}

// KeyFromRaw produces a Key from a raw public key, without checking that
// it's a valid (conforming, unexpired) Spring '83 key.
func KeyFromRaw(publicKey ed25519.PublicKey) *Key {
	return &Key{
		PublicKey:      hex.EncodeToString([]byte(publicKey)),
		publicKeyBytes: publicKey,
	}
}

// ParseKey parses a Spring '83 public key and checks that it conforms to
// every requirement the spec imposes: correct length and magic suffix, and
// an expiry that's valid relative to now.
func ParseKey(key string, now time.Time) (*Key, error) {
	my, err := parseKeyMonthYear(key, now)
	if err != nil {
		return nil, err
	}

	if err := my.CheckExpirationDate(now); err != nil {
		return nil, err
	}

	return parseKeyUnchecked(key)
}

// IsConforming reports whether publicKey's magic suffix is correct,
// irrespective of its embedded expiry. Used by the keygen search loop,
// which checks magic bytes directly rather than round-tripping through hex.
func IsConforming(publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return publicKey[28]&0x0F == MagicNibble && publicKey[29] == MagicByte
}

// ParseKeyMonthYear extracts a key's embedded expiry month/year without
// checking whether that expiry is currently valid. Useful for tooling that
// wants to report on a key's expiry rather than enforce it.
func ParseKeyMonthYear(key string, now time.Time) (KeyMonthYear, error) {
	return parseKeyMonthYear(key, now)
}

// parseKeyMonthYear validates a key's format and extracts its embedded
// expiry, resolving the two-digit year against now's century.
func parseKeyMonthYear(key string, now time.Time) (KeyMonthYear, error) {
	matches := keyRE.FindStringSubmatch(key)
	if matches == nil {
		return KeyMonthYear{}, ErrKeyInvalid
	}

	month, _ := strconv.Atoi(matches[1])
	year, _ := strconv.Atoi(matches[2])

	century := now.Year() / 100 * 100
	year += century

	return KeyMonthYear{Month: month, Year: year}, nil
}

func parseKeyUnchecked(publicKey string) (*Key, error) {
	publicKeyBytes, err := hex.DecodeString(publicKey)
	if err != nil {
		// Impossible as long as keyRE is correct.
		return nil, xerrors.Errorf("error decoding hex %q: %w", publicKey, err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, xerrors.Errorf("public key's length is %d, but should be %d", len(publicKeyBytes), ed25519.PublicKeySize)
	}

	return &Key{publicKey, publicKeyBytes}, nil
}

// Verify reports whether sig is a valid Ed25519 signature of message under
// this key.
func (k *Key) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.publicKeyBytes, message, sig)
}

// KeyPair represents a Spring '83 private/public keypair. Unlike Key, it
// can also sign content.
type KeyPair struct {
	Key
	PrivateKey      string
	privateKeyBytes ed25519.PrivateKey
}

// KeyPairFromRaw produces a KeyPair from a raw private key, without
// checking that it's a valid Spring '83 key.
func KeyPairFromRaw(privateKey ed25519.PrivateKey) *KeyPair {
	return &KeyPair{
		Key:             *KeyFromRaw(privateKey.Public().(ed25519.PublicKey)),
		PrivateKey:      hex.EncodeToString(privateKey),
		privateKeyBytes: privateKey,
	}
}

// ParseKeyPair parses a keypair from its separately hex-encoded private key
// seed and public key, verifying that publicKey is actually the one the
// private key derives.
func ParseKeyPair(privateKey, publicKey string) (*KeyPair, error) {
	keyPair, err := ParseKeyPairUnchecked(privateKey)
	if err != nil {
		return nil, err
	}

	if keyPair.PublicKey != publicKey {
		return nil, xerrors.Errorf("public key %q does not match the one derived from the private key (%q)", publicKey, keyPair.PublicKey)
	}

	return keyPair, nil
}

// MustParseKeyPair is ParseKeyPair, but panics on error.
func MustParseKeyPair(privateKey, publicKey string) *KeyPair {
	keyPair, err := ParseKeyPair(privateKey, publicKey)
	if err != nil {
		panic(err)
	}
	return keyPair
}

// ParseKeyPairUnchecked parses a keypair from a hex-encoded private key
// seed. Unlike ParseKey, the derived public key is not checked for Spring
// '83 validity.
func ParseKeyPairUnchecked(privateKey string) (*KeyPair, error) {
	seedBytes, err := hex.DecodeString(privateKey)
	if err != nil {
		return nil, xerrors.Errorf("error parsing private key: %w", err)
	}

	// Go calls private keys encoded per RFC 8032 "seeds" -- this is the
	// format Spring '83, and most other Ed25519 tooling, expects on disk.
	if len(seedBytes) != ed25519.SeedSize {
		return nil, xerrors.Errorf("private key's length is %d, but should be %d", len(seedBytes), ed25519.SeedSize)
	}

	privateKeyBytes := ed25519.NewKeyFromSeed(seedBytes)

	return &KeyPair{*KeyFromRaw(privateKeyBytes.Public().(ed25519.PublicKey)), privateKey, privateKeyBytes}, nil
}

// MustParseKeyPairUnchecked is ParseKeyPairUnchecked, but panics on error.
// Useful for the small set of constant, known-good keys (the test keypair)
// handled at server startup.
func MustParseKeyPairUnchecked(privateKey string) *KeyPair {
	keyPair, err := ParseKeyPairUnchecked(privateKey)
	if err != nil {
		panic(err)
	}
	return keyPair
}

// Sign signs message, returning a raw Ed25519 signature.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.privateKeyBytes, message)
}

// SignHex signs message, returning the signature hex-encoded, ready to be
// placed in a Spring-Signature header.
func (kp *KeyPair) SignHex(message []byte) string {
	return hex.EncodeToString(kp.Sign(message))
}

// relativeMonth returns the first instant of the month relativeMonths away
// from t's month. AddDate(0, n, 0) is not used here because it's a footgun
// on month-end dates (e.g. Oct 31st minus one month becomes Oct 1st rather
// than Sept 30th); this function only ever anchors to the 1st, so the
// footgun doesn't apply.
func relativeMonth(t time.Time, relativeMonths int) time.Time {
	year, month := t.Year(), t.Month()

	targetYear, targetMonth := year, month+time.Month(relativeMonths)
	switch targetMonth { //nolint:exhaustive
	case 0:
		targetYear--
		targetMonth = 12
	case 13:
		targetYear++
		targetMonth = 1
	}

	return time.Date(targetYear, targetMonth, 1, 0, 0, 0, 0, time.UTC)
}
