package versionmgr

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
)

// tmpSuffix marks files and directories that are not yet in place. Recover
// removes anything carrying it.
const tmpSuffix = ".tmp"

// writeFileAtomic replaces path with data such that a reader sees either the
// old or the new contents: the data is written and synced to a temporary
// sibling which is then renamed over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return pfx.Err(err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return pfx.Err(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return pfx.Err(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return pfx.Err(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pfx.Err(err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return pfx.Err(err)
	}
	defer d.Close()

	// Some filesystems do not support syncing a directory
	if err := d.Sync(); err != nil && !os.IsPermission(err) && !strings.Contains(err.Error(), "invalid argument") {
		return pfx.Err(err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return pfx.Err(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return pfx.Err(err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return pfx.Err(err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return pfx.Err(err)
	}
	if err := out.Close(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// copyDirAtomic copies the regular files of src into dst. The copy is built
// under a temporary name and renamed into place, so dst either does not
// exist or is complete.
func copyDirAtomic(src, dst string) error {
	tmp := dst + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return pfx.Err(err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return pfx.Err(err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return pfx.Err(err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(tmp, e.Name())); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}
	if err := syncDir(tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return pfx.Err(err)
	}

	return syncDir(filepath.Dir(dst))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
