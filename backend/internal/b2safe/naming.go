package b2safe

import (
	"errors"
	"regexp"
	"strings"
)

const PackageSuffix = ".zip"

var ErrInvalidHandle = errors.New("invalid handle")
var ErrNotPackageName = errors.New("not a package file name")

// A valid handle is `<prefix>/<suffix>`.  The prefix is a naming authority,
// like `11234` or `10.5072`, without `_`.  The suffix does not contain `/`.
// With these restrictions, the first `_` in a package name is the separator,
// and the file name mapping is injective.
var rgxHandle = regexp.MustCompile(`^[0-9A-Za-z.-]+/[^/\s]+$`)

func IsValidHandle(handle string) bool {
	return rgxHandle.MatchString(handle)
}

// `HandleToFileName()` returns the remote package name for `handle`: every
// `/` replaced by `_`, suffixed with `.zip`.  The mapping must not change;
// remote reconciliation depends on it.
func HandleToFileName(handle string) string {
	return strings.Replace(handle, "/", "_", -1) + PackageSuffix
}

// `FileNameToHandle()` inverts `HandleToFileName()` for valid handles.
func FileNameToHandle(name string) (string, error) {
	if !strings.HasSuffix(name, PackageSuffix) {
		return "", ErrNotPackageName
	}
	base := strings.TrimSuffix(name, PackageSuffix)
	handle := strings.Replace(base, "_", "/", 1)
	if !IsValidHandle(handle) {
		return "", ErrInvalidHandle
	}
	return handle, nil
}
