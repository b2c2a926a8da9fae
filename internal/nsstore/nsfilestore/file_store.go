// Package nsfilestore implements nsstore's BoardStore interface backed by a
// flat directory of files, one per public key, which is the persistence
// model Spring '83 servers are expected to use in production: no database,
// no object storage service, just a directory on disk.
package nsfilestore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/quietboard/spring83/internal/nsboard"
	"github.com/quietboard/spring83/internal/nsstore"
)

// maxSignatureLineSize bounds how far decodeBoard scans for the newline that
// terminates a record's hex-encoded signature line, mirroring the
// fixed-width record reads nsdenylist uses for the same reason: a truncated
// or garbage file shouldn't be read in its entirety just to discover it's
// corrupt.
const maxSignatureLineSize = ed25519.SignatureSize*2 + 1

// FileStore persists boards as one file per key under dir, named by the
// key's hex public key. Each file's first line is the 128-character hex
// signature, and everything after the trailing newline is the raw board
// content.
type FileStore struct {
	dir    string
	logger *logrus.Logger
	name   string

	// All for purposes of testability: substituted with fakes in tests so a
	// real filesystem isn't required.
	fileReader  func(path string) (io.ReadCloser, error)
	fileWriter  func(dir, finalName string, content []byte) error
	listEntries func(dir string) ([]string, error)
	timeNow     func() time.Time
}

// NewFileStore builds a FileStore rooted at dir, creating dir if it doesn't
// already exist.
func NewFileStore(logger *logrus.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("error creating board directory %q: %w", dir, err)
	}

	return &FileStore{
		dir:         dir,
		logger:      logger,
		name:        reflect.TypeOf(FileStore{}).Name(),
		fileReader:  osFileReader,
		fileWriter:  osFileWriter,
		listEntries: osListEntries,
		timeNow:     time.Now,
	}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (*nsstore.Board, error) {
	if err := validateKeyFilename(key); err != nil {
		return nil, err
	}

	reader, err := s.fileReader(filepath.Join(s.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nsstore.ErrKeyNotFound
		}
		return nil, xerrors.Errorf("error opening board file for key %q: %w", key, err)
	}
	defer reader.Close()

	board, err := decodeBoard(reader)
	if err != nil {
		return nil, xerrors.Errorf("error decoding board file for key %q: %w", key, err)
	}

	// Just in case an external reap hasn't run yet, aggressively prune
	// possibly outdated content rather than serve it.
	if s.timeNow().After(board.Timestamp.Add(nsstore.MaxContentAge)) {
		s.logger.Infof(s.name+": Returning not found for stale key %q created %v", key, board.Timestamp)
		return nil, nsstore.ErrKeyNotFound
	}

	return board, nil
}

func (s *FileStore) Put(_ context.Context, key string, board *nsstore.Board) error {
	if err := validateKeyFilename(key); err != nil {
		return err
	}

	encoded := encodeBoard(board)

	if err := s.fileWriter(s.dir, key, encoded); err != nil {
		return xerrors.Errorf("error writing board file for key %q: %w", key, err)
	}

	s.logger.Infof(s.name+": Stored key %q to %q", key, s.dir)

	return nil
}

// ReapLoop starts a reaper forever loop that periodically deletes board
// files whose timestamp is past nsstore.MaxContentAge. It blocks, so should
// be started on a goroutine.
func (s *FileStore) ReapLoop(ctx context.Context, shutdown <-chan struct{}) {
	for {
		_ = s.reap(ctx)

		select {
		case <-shutdown:
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(1 * time.Minute):
		}
	}
}

// SetTimeNow is for testing purposes only.
func (s *FileStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

func (s *FileStore) reap(ctx context.Context) int {
	entries, err := s.listEntries(s.dir)
	if err != nil {
		s.logger.Errorf(s.name+": Error listing board directory: %v", err)
		return 0
	}

	var numReaped int
	now := s.timeNow()

	for _, key := range entries {
		board, err := s.Get(ctx, key)
		if err != nil {
			continue
		}

		if now.After(board.Timestamp.Add(nsstore.MaxContentAge)) {
			if err := os.Remove(filepath.Join(s.dir, key)); err != nil && !os.IsNotExist(err) {
				s.logger.Errorf(s.name+": Error removing expired board %q: %v", key, err)
				continue
			}
			numReaped++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"num_reaped": numReaped,
		"total":      len(entries),
	}).Infof(s.name+": Reaped %d board(s) [total: %d]", numReaped, len(entries))

	return numReaped
}

func validateKeyFilename(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") {
		return xerrors.Errorf("refusing to use %q as a board filename", key)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return xerrors.Errorf("refusing to use non-hex %q as a board filename: %w", key, err)
	}
	return nil
}

func encodeBoard(board *nsstore.Board) []byte {
	return []byte(fmt.Sprintf("%s\n%s", board.Signature, board.Content))
}

func decodeBoard(r io.Reader) (*nsstore.Board, error) {
	head, err := io.ReadAll(io.LimitReader(r, maxSignatureLineSize))
	if err != nil {
		return nil, xerrors.Errorf("error reading signature line: %w", err)
	}

	newlineIdx := bytes.IndexByte(head, '\n')
	if newlineIdx < 0 {
		return nil, nsstore.ErrCorrupted
	}
	sigLine := string(head[:newlineIdx])

	content, err := io.ReadAll(io.MultiReader(bytes.NewReader(head[newlineIdx+1:]), r))
	if err != nil {
		return nil, xerrors.Errorf("error reading content: %w", err)
	}

	ts, err := nsboard.ExtractTimestamp(content)
	if err != nil {
		return nil, xerrors.Errorf("error extracting timestamp from stored board: %w", err)
	}

	return &nsstore.Board{
		Content:   content,
		Signature: sigLine,
		Timestamp: ts.Time(),
	}, nil
}

func osFileReader(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// osFileWriter writes content to a temp file in dir and atomically renames
// it into place, so that a reader never observes a partially-written board.
func osFileWriter(dir, finalName string, content []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-"+finalName+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filepath.Join(dir, finalName))
}

func osListEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
