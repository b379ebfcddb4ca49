package parley

import (
	"fmt"
	"io"

	"github.com/hkdb/parley/internal/backup"
)

// ExportBackup writes a complete, restorable archive of this account (the
// database and every blob) to w.
func (a *Account) ExportBackup(w io.Writer) error {
	if err := backup.Export(a.store, w); err != nil {
		return wrapErr("export backup", ErrorKindTransient, err)
	}
	return nil
}

// ImportBackup restores an archive produced by ExportBackup into this
// account, refusing to run if the account has already completed
// Configure (spec.md §4.H: import is refused unless IsConfigured() is
// false).
func (a *Account) ImportBackup(r io.Reader) error {
	ok, err := backup.CanImport(a.store)
	if err != nil {
		return wrapErr("import backup", ErrorKindTransient, err)
	}
	if !ok {
		return wrapErr("import backup", ErrorKindProgramming,
			fmt.Errorf("account is already configured"))
	}
	if err := backup.Import(r, a.store.Path(), a.store.BlobDir()); err != nil {
		return wrapErr("import backup", ErrorKindTransient, err)
	}
	return a.loadIdentity()
}
