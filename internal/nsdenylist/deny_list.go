// Package nsdenylist implements Spring '83's server-side key denylist: a set
// of public keys that are always refused, regardless of what a client
// presents as content or signature for them.
package nsdenylist

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"

	"github.com/quietboard/spring83/internal/nskey"
)

// baseDenyList seeds every DenyList implementation with the keys Spring '83
// itself singles out: the "infernal" key published alongside the draft
// specification as a cautionary example, and the reserved test key, which
// must never be accepted via PUT.
var baseDenyList = map[string]struct{}{
	nskey.InfernalPublicKey: {},
	nskey.TestPublicKey:     {},
}

// DenyList reports whether a public key has been refused service. The error
// return is for implementations backed by I/O that can genuinely fail (a
// file read, say); a failure here must be surfaced rather than silently
// treated as "not denied," since that would fail open on a security check.
type DenyList interface {
	Contains(key string) (bool, error)
}

// MemoryDenyList is a DenyList backed by an in-memory set, seeded from
// baseDenyList. Suitable for tests and for small deployments that don't need
// the denylist to survive a restart or to be shared across processes.
type MemoryDenyList struct {
	mut    sync.RWMutex
	denied map[string]struct{}
}

func NewMemoryDenyList() *MemoryDenyList {
	return &MemoryDenyList{
		denied: maps.Clone(baseDenyList),
	}
}

func (l *MemoryDenyList) Contains(key string) (bool, error) {
	l.mut.RLock()
	defer l.mut.RUnlock()

	_, ok := l.denied[key]
	return ok, nil
}

// Add adds key to the denylist. Exposed for administrative tooling; a plain
// MemoryDenyList otherwise never grows past its seeded base set.
func (l *MemoryDenyList) Add(key string) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.denied[key] = struct{}{}
}

// denylistRecordSize is the width of one denylist file record: a 64-char
// hex public key plus a trailing newline.
const denylistRecordSize = len(nskey.InfernalPublicKey) + 1

// FileDenyList is a DenyList backed by a flat text file of fixed-width
// records, one 64-char hex public key per 65-byte record. It's re-read on
// every call to Contains -- a linear scan, but over what is in practice a
// short, append-only file -- so that an operator can append a key and have
// it take effect without restarting the server.
type FileDenyList struct {
	path string

	// For testability.
	openFile func(path string) (io.ReadCloser, error)
}

// NewFileDenyList builds a FileDenyList reading from path. A missing file is
// not an error -- it's treated as an empty denylist beyond the base set,
// since a freshly deployed server may not have one yet.
func NewFileDenyList(path string) *FileDenyList {
	return &FileDenyList{
		path:     path,
		openFile: func(path string) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Contains streams the file in fixed-width windows rather than splitting on
// newlines, matching the record-oriented layout denylist.txt is written in.
// A missing file is treated as "not denied" beyond the base set, since a
// freshly deployed server may not have written one yet; any other I/O error
// propagates to the caller rather than being swallowed, since treating a
// transient read failure as "not denied" would fail open on a banned key.
func (l *FileDenyList) Contains(key string) (bool, error) {
	if _, ok := baseDenyList[key]; ok {
		return true, nil
	}

	f, err := l.openFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Errorf("error opening denylist file %q: %w", l.path, err)
	}
	defer f.Close()

	window := make([]byte, denylistRecordSize)
	for {
		_, err := io.ReadFull(f, window)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return false, nil
			}
			return false, xerrors.Errorf("error reading denylist file %q: %w", l.path, err)
		}

		if string(window[:len(window)-1]) == key {
			return true, nil
		}
	}
}

