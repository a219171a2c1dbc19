package deb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/blakesmith/ar"

	"github.com/aptpub/controlplane/internal/apterr"
)

func buildDeb(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var out bytes.Buffer
	arW := ar.NewWriter(&out)
	if err := arW.WriteGlobalHeader(); err != nil {
		t.Fatalf("WriteGlobalHeader: %v", err)
	}
	for name, control := range members {
		var tarGz bytes.Buffer
		gz := gzip.NewWriter(&tarGz)
		tw := tar.NewWriter(gz)
		if err := tw.WriteHeader(&tar.Header{Name: "./control", Size: int64(len(control)), Mode: 0644}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(control)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
		tw.Close()
		gz.Close()
		if err := arW.WriteHeader(&ar.Header{Name: name, Size: int64(tarGz.Len()), Mode: 0644}); err != nil {
			t.Fatalf("ar header: %v", err)
		}
		if _, err := arW.Write(tarGz.Bytes()); err != nil {
			t.Fatalf("ar write: %v", err)
		}
	}
	return out.Bytes()
}

const validControl = "Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n" +
	"Maintainer: Test <test@example.com>\nDescription: a test package\n" +
	" second line of description\nInstalled-Size: 42\nSection: utils\n"

func TestParseControlValid(t *testing.T) {
	deb := buildDeb(t, map[string]string{"control.tar.gz": validControl})
	parsed, err := ParseControl(bytes.NewReader(deb))
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if parsed.Canonical.Package != "hello" {
		t.Errorf("Package = %q, want %q", parsed.Canonical.Package, "hello")
	}
	if parsed.Canonical.Version != "1.0-1" {
		t.Errorf("Version = %q, want %q", parsed.Canonical.Version, "1.0-1")
	}
	if parsed.Canonical.Architecture != "amd64" {
		t.Errorf("Architecture = %q, want %q", parsed.Canonical.Architecture, "amd64")
	}
	if !strings.Contains(parsed.Canonical.Description, "second line of description") {
		t.Errorf("Description did not fold the continuation line: %q", parsed.Canonical.Description)
	}
	if parsed.Canonical.InstalledSize == nil || *parsed.Canonical.InstalledSize != 42 {
		t.Errorf("InstalledSize = %v, want 42", parsed.Canonical.InstalledSize)
	}
}

func TestParseControlUncompressed(t *testing.T) {
	var out bytes.Buffer
	arW := ar.NewWriter(&out)
	if err := arW.WriteGlobalHeader(); err != nil {
		t.Fatalf("WriteGlobalHeader: %v", err)
	}
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	tw.WriteHeader(&tar.Header{Name: "control", Size: int64(len(validControl)), Mode: 0644})
	tw.Write([]byte(validControl))
	tw.Close()
	arW.WriteHeader(&ar.Header{Name: "control.tar", Size: int64(tarBuf.Len()), Mode: 0644})
	arW.Write(tarBuf.Bytes())

	parsed, err := ParseControl(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if parsed.Canonical.Package != "hello" {
		t.Errorf("Package = %q, want %q", parsed.Canonical.Package, "hello")
	}
}

func TestParseControlMissingRequiredField(t *testing.T) {
	control := "Package: hello\nVersion: 1.0\n"
	deb := buildDeb(t, map[string]string{"control.tar.gz": control})
	_, err := ParseControl(bytes.NewReader(deb))
	if apterr.KindOf(err) != apterr.MalformedPackage {
		t.Fatalf("expected MalformedPackage, got %v", err)
	}
}

func TestParseControlUnknownArchitecture(t *testing.T) {
	control := "Package: hello\nVersion: 1.0\nArchitecture: vax\n" +
		"Maintainer: Test <test@example.com>\nDescription: x\n"
	deb := buildDeb(t, map[string]string{"control.tar.gz": control})
	_, err := ParseControl(bytes.NewReader(deb))
	if apterr.KindOf(err) != apterr.MalformedPackage {
		t.Fatalf("expected MalformedPackage for unknown architecture, got %v", err)
	}
}

func TestParseControlNoControlMember(t *testing.T) {
	var out bytes.Buffer
	arW := ar.NewWriter(&out)
	arW.WriteGlobalHeader()
	arW.WriteHeader(&ar.Header{Name: "data.tar.gz", Size: 0, Mode: 0644})
	_, err := ParseControl(bytes.NewReader(out.Bytes()))
	if apterr.KindOf(err) != apterr.MalformedPackage {
		t.Fatalf("expected MalformedPackage for missing control member, got %v", err)
	}
}

func TestParseControlMultipleControlMembers(t *testing.T) {
	var out bytes.Buffer
	arW := ar.NewWriter(&out)
	arW.WriteGlobalHeader()
	for i := 0; i < 2; i++ {
		var tarGz bytes.Buffer
		gz := gzip.NewWriter(&tarGz)
		tw := tar.NewWriter(gz)
		tw.WriteHeader(&tar.Header{Name: "./control", Size: int64(len(validControl)), Mode: 0644})
		tw.Write([]byte(validControl))
		tw.Close()
		gz.Close()
		arW.WriteHeader(&ar.Header{Name: "control.tar.gz", Size: int64(tarGz.Len()), Mode: 0644})
		arW.Write(tarGz.Bytes())
	}
	_, err := ParseControl(bytes.NewReader(out.Bytes()))
	if apterr.KindOf(err) != apterr.MalformedPackage {
		t.Fatalf("expected MalformedPackage for duplicate control.tar members, got %v", err)
	}
}

func TestValidArchitectureAndCompare(t *testing.T) {
	if !ValidArchitecture("amd64") {
		t.Error("expected amd64 to be valid")
	}
	if ValidArchitecture("vax") {
		t.Error("expected vax to be invalid")
	}
	if CompareArchitectures("amd64", "arm64") >= 0 {
		t.Error("expected amd64 to sort before arm64")
	}
	if CompareArchitectures("amd64", "unknown-arch") >= 0 {
		t.Error("expected a known architecture to sort before an unknown one")
	}
}

func TestParagraphGet(t *testing.T) {
	p := Paragraph{Fields: []Field{{Key: "Package", Value: "hello"}, {Key: "Version", Value: "1.0"}}}
	if v, ok := p.Get("Version"); !ok || v != "1.0" {
		t.Errorf("Get(Version) = %q, %v, want %q, true", v, ok, "1.0")
	}
	if _, ok := p.Get("Missing"); ok {
		t.Error("Get(Missing) reported ok=true")
	}
}
