// Package deb implements the control-file parser: component A of the
// repository state engine. It extracts the Debian control paragraph from a
// binary package (.deb, an ar archive containing a control.tar member) and
// validates it against the set of fields a catalog admission requires.
//
// The parser is read-only: it never builds packages, only inspects them.
// Package construction lives in the test helpers, mirroring a real .deb
// closely enough to exercise this parser end to end.
package deb
