// Package index implements component D: the deterministic Packages index
// and Release manifest generator. Both GeneratePackages and GenerateRelease
// are pure functions of their inputs — no wallclock, no map iteration order,
// no floating point — so the server can re-run them at publish-commit and
// demand byte-for-byte equality with what the client signed (spec §4.D,
// §4.E step 2).
package index

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/deb"
	"github.com/aptpub/controlplane/internal/debversion"
)

// Digests are the three checksums computed over a generated index's bytes.
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
	Size   int64
}

func digest(b []byte) Digests {
	md5Sum := md5.Sum(b)
	sha1Sum := sha1.Sum(b)
	sha256Sum := sha256.Sum256(b)
	return Digests{
		MD5:    hex.EncodeToString(md5Sum[:]),
		SHA1:   hex.EncodeToString(sha1Sum[:]),
		SHA256: hex.EncodeToString(sha256Sum[:]),
		Size:   int64(len(b)),
	}
}

// GeneratedPackages is one (component, architecture) Packages index.
type GeneratedPackages struct {
	Component    string
	Architecture string
	Contents     []byte
	Digests      Digests
}

// GeneratePackages builds one Packages index per (component, architecture)
// found among pkgs, in the fixed field order and sort order spec §4.D
// mandates. filenames maps a Package's ID to the pool filename it was
// admitted under (catalog.ComponentPackages.Filenames).
func GeneratePackages(component string, pkgs []catalog.Package, filenames map[string]string) []GeneratedPackages {
	byArch := make(map[string][]catalog.Package)
	for _, p := range pkgs {
		byArch[p.Architecture] = append(byArch[p.Architecture], p)
	}

	var archs []string
	for a := range byArch {
		archs = append(archs, a)
	}
	sort.Slice(archs, func(i, j int) bool { return deb.CompareArchitectures(archs[i], archs[j]) < 0 })

	out := make([]GeneratedPackages, 0, len(archs))
	for _, arch := range archs {
		group := byArch[arch]
		sort.Slice(group, func(i, j int) bool {
			return comparePackages(group[i], group[j]) < 0
		})

		var buf bytes.Buffer
		for _, p := range group {
			writeParagraph(&buf, p, filenames[p.ID])
		}
		contents := buf.Bytes()
		out = append(out, GeneratedPackages{
			Component:    component,
			Architecture: arch,
			Contents:     contents,
			Digests:      digest(contents),
		})
	}
	return out
}

// comparePackages implements the tie-break chain from spec §4.D step 2:
// package name (ASCII), then version (Debian version-compare), then
// architecture (ASCII) — architecture is included for total ordering even
// though callers have already grouped by architecture.
func comparePackages(a, b catalog.Package) int {
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	if c := debversion.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	if a.Architecture != b.Architecture {
		if a.Architecture < b.Architecture {
			return -1
		}
		return 1
	}
	return 0
}

// writeParagraph emits one package's paragraph in the fixed field order
// (spec §4.D step 3-4): required fields first, then any remaining raw
// fields in ASCII-sorted key order, then the derived Filename/Size/
// MD5sum/SHA1/SHA256 fields, followed by exactly one blank line.
func writeParagraph(buf *bytes.Buffer, p catalog.Package, filename string) {
	emitted := make(map[string]bool, len(deb.IndexFieldOrder))
	for _, key := range deb.IndexFieldOrder {
		val, ok := fixedFieldValue(p, key)
		if !ok {
			continue
		}
		writeField(buf, key, val)
		emitted[key] = true
	}

	var remaining []string
	for k := range p.RawFields {
		if !emitted[k] {
			remaining = append(remaining, k)
		}
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		writeField(buf, k, p.RawFields[k])
	}

	writeField(buf, "Filename", filename)
	writeField(buf, "Size", strconv.FormatInt(p.Size, 10))
	writeField(buf, "MD5sum", p.MD5)
	writeField(buf, "SHA1", p.SHA1)
	writeField(buf, "SHA256", p.SHA256)

	buf.WriteByte('\n')
}

func fixedFieldValue(p catalog.Package, key string) (string, bool) {
	switch key {
	case "Package":
		return p.Name, true
	case "Source":
		return p.Source, p.Source != ""
	case "Version":
		return p.Version, true
	case "Installed-Size":
		if p.InstalledSize == nil {
			return "", false
		}
		return strconv.FormatInt(*p.InstalledSize, 10), true
	case "Maintainer":
		return p.Maintainer, true
	case "Architecture":
		return p.Architecture, true
	case "Depends":
		return p.Depends, p.Depends != ""
	case "Recommends":
		return p.Recommends, p.Recommends != ""
	case "Conflicts":
		return p.Conflicts, p.Conflicts != ""
	case "Provides":
		return p.Provides, p.Provides != ""
	case "Replaces":
		return p.Replaces, p.Replaces != ""
	case "Homepage":
		return p.Homepage, p.Homepage != ""
	case "Section":
		return p.Section, p.Section != ""
	case "Priority":
		return p.Priority, p.Priority != ""
	case "Description":
		return p.Description, true
	default:
		return "", false
	}
}

// writeField serializes one Key: value pair, folding embedded newlines into
// continuation lines prefixed by a single space, per RFC 822 control file
// convention (spec §4.D step 3).
func writeField(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	lines := strings.Split(value, "\n")
	buf.WriteString(lines[0])
	buf.WriteByte('\n')
	for _, line := range lines[1:] {
		// The control parser keeps each continuation line's own leading
		// space or tab; replace that one character rather than adding a
		// second one.
		if line != "" && (line[0] == ' ' || line[0] == '\t') {
			line = line[1:]
		}
		buf.WriteByte(' ')
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// ReleaseFields are the header fields of a Release manifest (spec §4.D
// "Release manifest" step 1). Empty/absent fields are omitted.
type ReleaseFields struct {
	Origin       string
	Label        string
	Suite        string
	Codename     string
	Version      string
	Architectures []string
	Components   []string
	Description  string
}

// IndexEntry is one generated Packages index's path and digests, as
// referenced from a Release manifest's MD5Sum/SHA1/SHA256 sections.
type IndexEntry struct {
	Component    string
	Architecture string
	Digests      Digests
}

// GenerateRelease builds the Release manifest body for one distribution.
// date must be the same instant recorded with the working release state at
// publish-begin so that publish-commit's re-run is byte-identical (spec
// §4.E step 2).
func GenerateRelease(fields ReleaseFields, entries []IndexEntry, date time.Time) []byte {
	var buf bytes.Buffer

	writeHeader(&buf, "Origin", fields.Origin)
	writeHeader(&buf, "Label", fields.Label)
	writeHeader(&buf, "Suite", fields.Suite)
	writeHeader(&buf, "Codename", fields.Codename)
	writeHeader(&buf, "Version", fields.Version)
	writeHeader(&buf, "Date", date.UTC().Format(time.RFC1123Z))

	if len(fields.Architectures) > 0 {
		archs := append([]string(nil), fields.Architectures...)
		sort.Slice(archs, func(i, j int) bool { return deb.CompareArchitectures(archs[i], archs[j]) < 0 })
		writeHeader(&buf, "Architectures", strings.Join(archs, " "))
	}
	if len(fields.Components) > 0 {
		comps := append([]string(nil), fields.Components...)
		sort.Strings(comps)
		writeHeader(&buf, "Components", strings.Join(comps, " "))
	}
	writeHeader(&buf, "Description", fields.Description)
	buf.WriteString("Acquire-By-Hash: yes\n")

	sorted := append([]IndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Component != sorted[j].Component {
			return sorted[i].Component < sorted[j].Component
		}
		return deb.CompareArchitectures(sorted[i].Architecture, sorted[j].Architecture) < 0
	})

	writeHashSection(&buf, "MD5Sum", sorted, func(d Digests) string { return d.MD5 })
	writeHashSection(&buf, "SHA1", sorted, func(d Digests) string { return d.SHA1 })
	writeHashSection(&buf, "SHA256", sorted, func(d Digests) string { return d.SHA256 })

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteByte('\n')
}

func writeHashSection(buf *bytes.Buffer, header string, entries []IndexEntry, hashOf func(Digests) string) {
	buf.WriteString(header)
	buf.WriteString(":\n")
	for _, e := range entries {
		path := fmt.Sprintf("%s/binary-%s/Packages", e.Component, e.Architecture)
		fmt.Fprintf(buf, " %s %d %s\n", hashOf(e.Digests), e.Digests.Size, path)
	}
}

// Fingerprint is the SHA-256 of a generated Release body, used as the
// publish-begin/publish-commit cache key (spec §4.E step 1, "fingerprint is
// only a cache key", never a trust anchor).
func Fingerprint(releaseBody []byte) string {
	sum := sha256.Sum256(releaseBody)
	return hex.EncodeToString(sum[:])
}

// ByHashPaths returns the by-hash/<ALGO>/<hash> object keys for one Packages
// index, beneath <component>/binary-<arch>/ (spec §4.D "By-hash layout").
func ByHashPaths(e IndexEntry) map[string]string {
	return map[string]string{
		"MD5Sum": fmt.Sprintf("%s/binary-%s/by-hash/MD5Sum/%s", e.Component, e.Architecture, e.Digests.MD5),
		"SHA1":   fmt.Sprintf("%s/binary-%s/by-hash/SHA1/%s", e.Component, e.Architecture, e.Digests.SHA1),
		"SHA256": fmt.Sprintf("%s/binary-%s/by-hash/SHA256/%s", e.Component, e.Architecture, e.Digests.SHA256),
	}
}
