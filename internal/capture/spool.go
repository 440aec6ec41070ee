package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// writeSpoolFile persists payload bytes under the spool directory using a
// temp-file rename so a crash mid-write never leaves a partial payload behind
// a valid payload_ref. Returns the ref (relative name) and content digest.
func (s *Store) writeSpoolFile(clientID string, payload []byte) (string, string, error) {
	ref := clientID + ".img"
	final := filepath.Join(s.spoolDir, ref)
	tmp := final + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("write spool file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("sync spool file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("commit spool file: %w", err)
	}

	digest := sha256.Sum256(payload)
	return ref, hex.EncodeToString(digest[:]), nil
}

// ReadPayload loads the spooled bytes for a record and verifies them against
// the stored digest. A mismatch means on-disk corruption; callers should treat
// the record as quarantinable rather than uploading garbage.
func (s *Store) ReadPayload(record *Record) ([]byte, error) {
	if record == nil || record.PayloadRef == "" {
		return nil, fmt.Errorf("record has no payload reference")
	}
	data, err := os.ReadFile(filepath.Join(s.spoolDir, record.PayloadRef))
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", record.PayloadRef, err)
	}
	digest := sha256.Sum256(data)
	if got := hex.EncodeToString(digest[:]); got != record.PayloadSHA256 {
		return nil, fmt.Errorf("payload %s digest mismatch: stored %s, got %s",
			record.PayloadRef, record.PayloadSHA256, got)
	}
	return data, nil
}

func (s *Store) removeSpoolFile(ref string) {
	if ref == "" {
		return
	}
	_ = os.Remove(filepath.Join(s.spoolDir, ref))
}
