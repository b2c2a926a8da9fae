// Package nsboard implements the validation pipeline a Spring '83 board must
// pass before it's accepted for storage: size, embedded timestamp, and
// signature, pulled into a single reusable, independently testable unit.
package nsboard

import (
	"crypto/ed25519"
	"regexp"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/quietboard/spring83/internal/nskey"
	"github.com/quietboard/spring83/internal/nstimestamp"
)

const (
	// MaxContentSize is the maximum size in bytes a board's HTML content is
	// allowed to be. This particular number was chosen because the
	// internet's first ever web page was 2217 bytes in size.
	MaxContentSize = 2217

	// TimestampTolerance is the amount of clock skew tolerated when checking
	// whether a board's embedded timestamp is in the future or too old. This
	// mostly matters for content federated from a server whose clock runs a
	// little behind.
	TimestampTolerance = 5 * time.Minute

	// MaxContentAge is the maximum age a board's timestamp may have before
	// it's considered expired and eligible to be dropped by a store's reap
	// loop. Spring '83 calls this 22 days.
	MaxContentAge = 22 * 24 * time.Hour
)

var (
	ErrTooLarge             = xerrors.New("content is larger than the maximum allowed size")
	ErrTimestampMissing     = xerrors.New("content is missing a <time datetime=\"...\"> tag")
	ErrTimestampUnparseable = xerrors.New("content's <time> tag could not be parsed")
	ErrTimestampInFuture    = xerrors.New("content's <time> timestamp is in the future")
	ErrTimestampTooOld      = xerrors.New("content's <time> timestamp is more than 22 days old")
	ErrSignatureMissing     = xerrors.New("signature is missing")
	ErrSignatureUnparseable = xerrors.New("signature could not be decoded from hex")
	ErrSignatureBadLength   = xerrors.New("signature is the wrong length")
	ErrSignatureInvalid     = xerrors.New("signature does not verify against the given content")
)

// timestampRE matches exactly the tag form the specification requires: no
// generous allowances for the looser syntax real HTML parsers would permit.
var timestampRE = regexp.MustCompile(`<time datetime="([1-9]\d{3}-(0[1-9]|1[0-2])-\d\dT\d\d:\d\d:\d\dZ)">`)

// Board is a piece of content that has passed every structural check Spring
// '83 requires of it, short of the server-side "is this newer than what we
// already have" comparison, which belongs to the store.
type Board struct {
	Content   []byte
	Timestamp nstimestamp.Timestamp
}

// New validates content against every check Spring '83 imposes on submitted
// board content except the deny list and the prior-board freshness
// comparison, both of which depend on server-side state New doesn't have
// access to.
func New(content []byte, now time.Time) (*Board, error) {
	if len(content) > MaxContentSize {
		return nil, ErrTooLarge
	}

	ts, err := ExtractTimestamp(content)
	if err != nil {
		return nil, err
	}

	if ts.Time().Add(-TimestampTolerance).After(now) {
		return nil, ErrTimestampInFuture
	}

	if ts.Time().Add(TimestampTolerance).Before(now.Add(-MaxContentAge)) {
		return nil, ErrTimestampTooOld
	}

	return &Board{Content: content, Timestamp: ts}, nil
}

// VerifySignature checks sig (raw, not hex-encoded) against content under
// key, returning a typed error distinguishing a missing, malformed, and
// simply invalid signature -- each of which the handler reports differently.
func VerifySignature(key *nskey.Key, content, sig []byte) error {
	if len(sig) == 0 {
		return ErrSignatureMissing
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrSignatureBadLength
	}
	if !key.Verify(content, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// IsTimestampOnly reports whether content consists of nothing but a <time>
// tag. Spring '83 treats a board like this as a tombstone: the board is kept
// so its timestamp can still block stale overwrites, but GET must respond as
// though it doesn't exist.
func IsTimestampOnly(content []byte) bool {
	match := timestampRE.FindSubmatch(content)
	if match == nil {
		return false
	}

	return strings.TrimSpace(strings.Replace(string(content), string(match[0]), "", 1)) == ""
}

// ExtractTimestamp pulls the timestamp out of content's <time datetime="...">
// tag, without otherwise validating the board. Used both by New and by
// stores that need to recover a board's timestamp from its raw content (for
// example a flat-file store reading content back off disk).
func ExtractTimestamp(content []byte) (nstimestamp.Timestamp, error) {
	match := timestampRE.FindSubmatch(content)
	if match == nil {
		return nstimestamp.Timestamp{}, ErrTimestampMissing
	}

	ts, err := nstimestamp.Parse(string(match[1]))
	if err != nil {
		return nstimestamp.Timestamp{}, ErrTimestampUnparseable
	}

	return ts, nil
}
