package nuke

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const wipeChunkSize = 64 * 1024

// removeFile deletes one file according to the wipe policy. A missing
// file counts as already wiped.
func removeFile(path string, s Settings) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return os.Remove(path)
	}

	if s.SecureWipe {
		return shredFile(path, s.SecureWipePasses)
	}
	return os.Remove(path)
}

// shredFile overwrites the file's full length passes times, alternating
// random bytes and zeros with an fsync after each pass, writes a final
// all-zero pass, fsyncs, and deletes it. Overwrite failure still attempts
// the delete: a deleted file beats an intact one.
func shredFile(path string, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	if _, err := overwriteFile(f, info.Size(), passes); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Overwrite incomplete, deleting anyway")
	}
	f.Close()

	return os.Remove(path)
}

// overwriteFile runs the overwrite passes on an open file and reports how
// many overwrite+fsync cycles completed, including the final zero pass.
func overwriteFile(f *os.File, size int64, passes int) (syncs int, err error) {
	if passes < 1 {
		passes = 1
	}
	for pass := 0; pass < passes; pass++ {
		random := pass%2 == 0
		if err := overwritePass(f, size, random); err != nil {
			return syncs, fmt.Errorf("pass %d: %w", pass+1, err)
		}
		syncs++
	}
	if err := overwritePass(f, size, false); err != nil {
		return syncs, fmt.Errorf("final zero pass: %w", err)
	}
	syncs++
	return syncs, nil
}

func overwritePass(f *os.File, size int64, random bool) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	buf := make([]byte, wipeChunkSize)
	for written := int64(0); written < size; {
		n := int64(len(buf))
		if size-written < n {
			n = size - written
		}
		if random {
			if _, err := rand.Read(buf[:n]); err != nil {
				return err
			}
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}

// wipeDir applies the per-file wipe policy to every file under dir,
// bottom-up, then removes the emptied directories. Per-file failures are
// recorded and do not stop the walk.
func wipeDir(dir string, s Settings) error {
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return nil
	}

	var firstErr error
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if wipeErr := removeFile(path, s); wipeErr != nil {
			log.Error().Err(wipeErr).Str("path", path).Msg("File wipe failed")
			if firstErr == nil {
				firstErr = wipeErr
			}
		}
		return nil
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
	return firstErr
}
