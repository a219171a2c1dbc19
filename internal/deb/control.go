package deb

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/blakesmith/ar"

	"github.com/aptpub/controlplane/internal/apterr"
)

// Field is one Key: value pair from a control paragraph, in the order it was
// read. Continuation lines are folded into Value with their original
// newline and leading whitespace preserved. The key and the first-line
// value are trimmed of surrounding whitespace, and blank lines are dropped,
// so re-serializing a Field does not always reproduce the source bytes.
type Field struct {
	Key   string
	Value string
}

// Paragraph is a parsed RFC-822-style control stanza. Fields preserves
// source order for verbatim re-serialization; lookups should go through Get.
type Paragraph struct {
	Fields []Field
}

// Get returns the value of the first field named key, and whether it was
// present. Debian control field names are case-sensitive in practice (every
// tool in the ecosystem emits the canonical case), so comparison is exact.
func (p Paragraph) Get(key string) (string, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Keys not in IndexFieldOrder, for the "remaining fields" clause of spec
// §4.D step 3. Returned sorted ASCII ascending.
func (p Paragraph) remainingKeysSorted(already map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range p.Fields {
		if already[f.Key] || seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		out = append(out, f.Key)
	}
	sort.Strings(out)
	return out
}

// Canonical holds the denormalized fields the catalog stores alongside the
// raw Paragraph (spec §3 Package entity).
type Canonical struct {
	Package       string
	Version       string
	Architecture  string
	Maintainer    string
	Description   string
	Source        string
	InstalledSize *int64
	Homepage      string
	Section       string
	Priority      string
	Depends       string
	Recommends    string
	Conflicts     string
	Provides      string
	Replaces      string
}

// Parsed is the result of parsing a .deb's control member.
type Parsed struct {
	Paragraph Paragraph
	Canonical Canonical
}

// ParseControl extracts and parses the control paragraph from a Debian
// binary package. It returns a *apterr.Error of kind MalformedPackage for
// every way r can fail to be a well-formed .deb (spec §4.A).
func ParseControl(r io.Reader) (*Parsed, error) {
	raw, err := extractControlMember(r)
	if err != nil {
		return nil, err
	}
	para, err := parseParagraph(raw)
	if err != nil {
		return nil, err
	}
	canon, err := canonicalize(para)
	if err != nil {
		return nil, err
	}
	return &Parsed{Paragraph: para, Canonical: canon}, nil
}

// extractControlMember walks the outer ar archive looking for exactly one
// control.tar(.gz) member, then the "control" file within it.
func extractControlMember(r io.Reader) ([]byte, error) {
	arR := ar.NewReader(r)

	var found bool
	var content []byte
	for {
		hdr, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apterr.Wrap(apterr.MalformedPackage, "reading ar archive", err)
		}
		name := strings.TrimSpace(hdr.Name)
		name = strings.TrimSuffix(name, "/")
		if !strings.HasPrefix(name, "control.tar") {
			continue
		}
		if found {
			return nil, apterr.New(apterr.MalformedPackage, "multiple control.tar members in .deb")
		}
		found = true

		body := make([]byte, hdr.Size)
		if _, err := io.ReadFull(arR, body); err != nil {
			return nil, apterr.Wrap(apterr.MalformedPackage, "reading control.tar member", err)
		}

		member, err := extractControlFile(name, body)
		if err != nil {
			return nil, err
		}
		content = member
	}
	if !found {
		return nil, apterr.New(apterr.MalformedPackage, "no control.tar member found in .deb")
	}
	return content, nil
}

func extractControlFile(memberName string, body []byte) ([]byte, error) {
	var tr *tar.Reader
	switch {
	case strings.HasSuffix(memberName, ".gz"):
		gzr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, apterr.Wrap(apterr.MalformedPackage, "opening control.tar.gz", err)
		}
		defer gzr.Close()
		tr = tar.NewReader(gzr)
	case strings.HasSuffix(memberName, ".tar"):
		tr = tar.NewReader(bytes.NewReader(body))
	default:
		return nil, apterr.New(apterr.MalformedPackage, fmt.Sprintf("unsupported control archive compression: %s", memberName))
	}

	var control []byte
	var seenControl bool
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apterr.Wrap(apterr.MalformedPackage, "reading control.tar contents", err)
		}
		name := strings.TrimPrefix(th.Name, "./")
		if name != string(memberControl) {
			continue
		}
		if seenControl {
			return nil, apterr.New(apterr.MalformedPackage, "multiple control members in control.tar")
		}
		seenControl = true
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, apterr.Wrap(apterr.MalformedPackage, "reading control member", err)
		}
		control = buf.Bytes()
	}
	if !seenControl {
		return nil, apterr.New(apterr.MalformedPackage, "control member missing from control.tar")
	}
	return control, nil
}

// parseParagraph parses a single RFC-822-style stanza: "Key: value" lines
// with continuation lines starting with a space or tab folded into the
// previous field's value.
func parseParagraph(raw []byte) (Paragraph, error) {
	var para Paragraph
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(para.Fields) == 0 {
				return Paragraph{}, apterr.New(apterr.MalformedPackage, "control file starts with a continuation line")
			}
			last := &para.Fields[len(para.Fields)-1]
			last.Value += "\n" + line
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return Paragraph{}, apterr.New(apterr.MalformedPackage, fmt.Sprintf("malformed control line: %q", line))
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		para.Fields = append(para.Fields, Field{Key: key, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return Paragraph{}, apterr.Wrap(apterr.MalformedPackage, "scanning control file", err)
	}
	if len(para.Fields) == 0 {
		return Paragraph{}, apterr.New(apterr.MalformedPackage, "empty control file")
	}
	return para, nil
}

func canonicalize(para Paragraph) (Canonical, error) {
	var missing []string
	for _, f := range RequiredFields {
		if v, ok := para.Get(f); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Canonical{}, apterr.New(apterr.MalformedPackage, fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", ")))
	}

	arch, _ := para.Get("Architecture")
	if !ValidArchitecture(arch) {
		return Canonical{}, apterr.New(apterr.MalformedPackage, fmt.Sprintf("unknown architecture: %q", arch))
	}

	c := Canonical{}
	c.Package, _ = para.Get("Package")
	c.Version, _ = para.Get("Version")
	c.Architecture = arch
	c.Maintainer, _ = para.Get("Maintainer")
	c.Description, _ = para.Get("Description")
	c.Source, _ = para.Get("Source")
	c.Homepage, _ = para.Get("Homepage")
	c.Section, _ = para.Get("Section")
	c.Priority, _ = para.Get("Priority")
	c.Depends, _ = para.Get("Depends")
	c.Recommends, _ = para.Get("Recommends")
	c.Conflicts, _ = para.Get("Conflicts")
	c.Provides, _ = para.Get("Provides")
	c.Replaces, _ = para.Get("Replaces")

	if raw, ok := para.Get("Installed-Size"); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Canonical{}, apterr.New(apterr.MalformedPackage, fmt.Sprintf("invalid Installed-Size: %q", raw))
		}
		c.InstalledSize = &n
	}

	return c, nil
}
