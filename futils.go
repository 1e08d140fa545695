// futils.go
//
// Small filesystem helpers: stat checks and the atomic-replace write the
// writer's commit path relies on.

package midx

import (
	"os"
	"path/filepath"
)

// statRegular stats the open file f and reports an error when it is not a
// regular file.
func statRegular(f *os.File) (os.FileInfo, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, &os.PathError{Op: "open", Path: f.Name(), Err: os.ErrInvalid}
	}
	return st, nil
}

// writeFileAtomic writes data to a temporary file in path's directory, syncs
// it and renames it over path. After a successful return either the previous
// file or the complete new one is visible; a failure leaves the previous
// file untouched.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".midx-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
