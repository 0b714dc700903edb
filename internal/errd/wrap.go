// Package errd provides a helper for wrapping errors on function return.
package errd

import "golang.org/x/xerrors"

// Wrap wraps err with xerrors.Errorf if err is non nil.
// Intended for use with defer and a named error return.
func Wrap(err *error, f string, v ...interface{}) {
	if *err != nil {
		*err = xerrors.Errorf(f+": %w", append(v, *err)...)
	}
}
