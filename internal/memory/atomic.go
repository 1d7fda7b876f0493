package memory

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"
)

const (
	renameAttempts = 5
	renameBackoff  = 100 * time.Millisecond

	backupSuffix = ".bak"
)

// writeFileAtomic persists data so a crash at any point leaves either the
// previous contents or the new contents on disk, never a torn file:
//
//  1. the current file, if any, is copied to a .bak sibling
//  2. data is written to a uniquely named temp file in the same directory
//  3. the temp file is renamed over the target, retried with linear backoff
//     for transient filesystem errors
//
// A failed rename removes the temp file so retries never accumulate litter.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		// Best effort: a missing backup only matters if the write below
		// also fails, and then the original is still in place.
		_ = copyFile(path, path+backupSuffix, perm)
	}

	tmp := fmt.Sprintf("%s.%d.%d.%06d.tmp", path, os.Getpid(), time.Now().UnixNano(), rand.Intn(1_000_000))
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	var renameErr error
	for attempt := 1; attempt <= renameAttempts; attempt++ {
		if renameErr = os.Rename(tmp, path); renameErr == nil {
			return nil
		}
		if attempt < renameAttempts {
			time.Sleep(time.Duration(attempt) * renameBackoff)
		}
	}
	_ = os.Remove(tmp)
	return fmt.Errorf("rename temp file after %d attempts: %w", renameAttempts, renameErr)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// archiveCorrupt moves a damaged file aside with a timestamped suffix so it
// survives for inspection instead of being overwritten by recovery.
func archiveCorrupt(path string) string {
	dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, dst); err != nil {
		return ""
	}
	return dst
}
