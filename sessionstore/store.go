// Package sessionstore is the durable, process-private key-value map from a
// hex-encoded SessionKey to a Record, threading outputs across keygen,
// refresh, and sign. It is backed by a single file written with
// write-tmp-then-rename semantics so a set() either fully lands or not at
// all, even across a crash.
package sessionstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/dfns-blueprint/cggmp21-node/sessionid"
)

var log = golog.Logger("cggmp21-node/sessionstore")

// formatVersion is the single leading version byte of the on-disk format.
// Backward compatibility across versions is not guaranteed (spec Non-goal);
// the byte exists so a future version can be distinguished from this one.
const formatVersion byte = 1

// Store is a file-backed map of SessionKey -> Record. All exported methods
// are safe for concurrent use; callers (the dispatcher) are responsible for
// never scheduling two ceremonies against the same SessionKey concurrently,
// as a concurrent set on the same key is a caller bug, not a Store
// invariant the Store itself can arbitrate.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]*Record
}

// Open loads path if it exists, or starts an empty store that will create
// path on the first Set.
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]*Record)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sessionstore: reading %s", path)
	}
	if err := s.load(data); err != nil {
		return nil, errors.Wrapf(err, "sessionstore: loading %s", path)
	}
	return s, nil
}

func (s *Store) load(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] != formatVersion {
		return fmt.Errorf("sessionstore: unsupported format version %d", data[0])
	}
	buf := data[1:]
	for len(buf) > 0 {
		if len(buf) < 32 {
			return fmt.Errorf("sessionstore: truncated key")
		}
		var key sessionid.SessionKey
		copy(key[:], buf[:32])
		buf = buf[32:]

		if len(buf) < 4 {
			return fmt.Errorf("sessionstore: truncated record length")
		}
		recLen := beUint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < recLen {
			return fmt.Errorf("sessionstore: truncated record body")
		}
		recBytes := buf[:recLen]
		buf = buf[recLen:]

		rec, err := decodeRecord(recBytes)
		if err != nil {
			return err
		}
		s.records[key.Hex()] = rec
	}
	return nil
}

func (s *Store) serializeLocked() []byte {
	out := []byte{formatVersion}
	for keyHex, rec := range s.records {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil || len(keyBytes) != 32 {
			// Keys only ever originate from SessionKey.Hex(); a decode
			// failure here means in-memory state was corrupted.
			log.Errorf("sessionstore: skipping unparsable key %q: %v", keyHex, err)
			continue
		}
		out = append(out, keyBytes...)
		recBytes := encodeRecord(rec)
		out = appendUint32(out, uint32(len(recBytes)))
		out = append(out, recBytes...)
	}
	return out
}

// Get returns the latest committed Record for key, or ok=false if no record
// has ever been written for it.
func (s *Store) Get(key sessionid.SessionKey) (rec *Record, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok = s.records[key.Hex()]
	return rec, ok
}

// Set overwrites the Record for key and atomically persists the whole
// store to disk via write-tmp-then-rename. It returns only after the data
// is durable.
func (s *Store) Set(key sessionid.SessionKey, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key.Hex()] = rec
	payload := s.serializeLocked()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sessionstore-*.tmp")
	if err != nil {
		return errors.Wrap(err, "sessionstore: creating temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sessionstore: writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sessionstore: syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "sessionstore: closing temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "sessionstore: renaming temp file into place")
	}
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

