// Package backup exports and imports a complete account: the sealed
// SQLite database plus its blob directory, bundled as a single
// tar.gz archive (spec.md §4.H). CanImport reports false for an
// already-configured store, since restoring over live state would lose
// whatever the running account has processed since the backup was taken;
// Import itself does not check.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hkdb/parley/internal/store"
)

// dbEntryName and blobPrefix name the two kinds of entry a backup archive
// contains.
const (
	dbEntryName = "account.db"
	blobPrefix  = "blobs/"
)

// Export writes a tar.gz archive of s's database file and blob directory
// to w, after a WAL checkpoint.
func Export(s *store.Store, w io.Writer) error {
	if err := s.Checkpoint(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	if err := writeFile(tw, s.Path(), dbEntryName); err != nil {
		return fmt.Errorf("backup: export database: %w", err)
	}

	blobDir := s.BlobDir()
	entries, err := os.ReadDir(blobDir)
	if err != nil {
		return fmt.Errorf("backup: read blob directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := blobPrefix + entry.Name()
		if err := writeFile(tw, filepath.Join(blobDir, entry.Name()), name); err != nil {
			return fmt.Errorf("backup: export blob %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func writeFile(tw *tar.Writer, path, entryName string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = entryName
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Import extracts a backup archive produced by Export into dbPath and
// blobDir. It does not check whether the target store is configured;
// Account.ImportBackup calls CanImport before it.
func Import(r io.Reader, dbPath, blobDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return fmt.Errorf("backup: create blob directory: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		var dest string
		switch {
		case hdr.Name == dbEntryName:
			dest = dbPath
		case strings.HasPrefix(hdr.Name, blobPrefix):
			dest = filepath.Join(blobDir, filepath.Base(hdr.Name))
		default:
			continue
		}

		if err := extractFile(tr, dest, hdr.Size); err != nil {
			return fmt.Errorf("backup: extract %s: %w", hdr.Name, err)
		}
	}
}

func extractFile(r io.Reader, dest string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(f, r, size)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// CanImport reports whether it's safe to Import into the store s — only
// true for an account that has never completed configure().
func CanImport(s *store.Store) (bool, error) {
	configured, err := s.IsConfigured()
	if err != nil {
		return false, err
	}
	return !configured, nil
}
