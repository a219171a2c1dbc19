// Package debversion wraps the Debian version comparator used to order
// packages within a Packages index (spec §4.D step 2: "version per Debian
// version-compare").
package debversion

import (
	debver "github.com/knqyf263/go-deb-version"
)

// Compare returns -1, 0 or 1 comparing a and b as Debian package versions.
// Versions that fail to parse (which should not happen for any version
// that was already accepted by the control parser) fall back to byte
// comparison rather than panicking, keeping the index generator total.
func Compare(a, b string) int {
	va, errA := debver.NewVersion(a)
	vb, errB := debver.NewVersion(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return va.Compare(vb)
}
