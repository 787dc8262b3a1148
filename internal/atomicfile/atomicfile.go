// Package atomicfile implements crash-safe text file writes: write to a
// randomly-named temp sibling, then rename over the target. This is the Go
// translation of miscutils.py's make_temp_filename/safe_save_file pair, and
// backs every persisted artifact this module produces (inventory, SSH
// config, known_hosts is append-only and excluded).
package atomicfile

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// tempName mirrors make_temp_filename's ".{8-char-random}_{basename}" shape.
func tempName(path string) (string, error) {
	dir, base := filepath.Split(path)
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("atomicfile: generating random suffix: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf(".%s_%s", hex.EncodeToString(buf), base)), nil
}

// Save writes data to path atomically: the content lands in a temp sibling
// file first, fsynced, then renamed over path. A reader opening path at any
// instant either sees the old content in full or the new content in full.
func Save(path string, data []byte, mode os.FileMode) error {
	tmp, err := tempName(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("atomicfile: creating temp file %s: %w", tmp, err)
	}
	defer os.Remove(tmp) // no-op once renamed away

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("atomicfile: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("atomicfile: fsyncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("atomicfile: closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomicfile: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
