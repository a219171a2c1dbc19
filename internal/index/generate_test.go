package index

import (
	"strings"
	"testing"
	"time"

	"github.com/aptpub/controlplane/internal/catalog"
)

func pkg(name, version, arch string) catalog.Package {
	return catalog.Package{
		ID:           name + "-" + version + "-" + arch,
		Name:         name,
		Version:      version,
		Architecture: arch,
		Maintainer:   "Test <test@example.com>",
		Description:  "a test package",
		Size:         123,
		MD5:          "d41d8cd98f00b204e9800998ecf8427e",
		SHA1:         "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		SHA256:       "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
}

func TestGeneratePackagesSortsByArchThenNameThenVersion(t *testing.T) {
	pkgs := []catalog.Package{
		pkg("zeta", "1.0", "amd64"),
		pkg("alpha", "2.0", "amd64"),
		pkg("alpha", "1.0", "amd64"),
		pkg("alpha", "1.0", "arm64"),
	}
	filenames := map[string]string{
		pkgs[0].ID: "zeta_1.0_amd64.deb",
		pkgs[1].ID: "alpha_2.0_amd64.deb",
		pkgs[2].ID: "alpha_1.0_amd64.deb",
		pkgs[3].ID: "alpha_1.0_arm64.deb",
	}

	got := GeneratePackages("main", pkgs, filenames)
	if len(got) != 2 {
		t.Fatalf("expected 2 per-architecture indexes, got %d", len(got))
	}
	if got[0].Architecture != "amd64" || got[1].Architecture != "arm64" {
		t.Fatalf("unexpected architecture order: %+v", got)
	}

	amd64 := string(got[0].Contents)
	alphaOneIdx := strings.Index(amd64, "Package: alpha\nVersion: 1.0")
	alphaTwoIdx := strings.Index(amd64, "Package: alpha\nVersion: 2.0")
	zetaIdx := strings.Index(amd64, "Package: zeta")
	if alphaOneIdx < 0 || alphaTwoIdx < 0 || zetaIdx < 0 {
		t.Fatalf("expected all three paragraphs present:\n%s", amd64)
	}
	if !(alphaOneIdx < alphaTwoIdx && alphaTwoIdx < zetaIdx) {
		t.Errorf("expected alpha 1.0 < alpha 2.0 < zeta ordering, got indices %d %d %d", alphaOneIdx, alphaTwoIdx, zetaIdx)
	}
}

func TestGeneratePackagesIsDeterministic(t *testing.T) {
	pkgs := []catalog.Package{pkg("hello", "1.0", "amd64"), pkg("world", "1.0", "amd64")}
	filenames := map[string]string{pkgs[0].ID: "hello.deb", pkgs[1].ID: "world.deb"}

	first := GeneratePackages("main", pkgs, filenames)
	second := GeneratePackages("main", pkgs, filenames)
	if string(first[0].Contents) != string(second[0].Contents) {
		t.Error("GeneratePackages is not deterministic across repeated calls")
	}
	if first[0].Digests.SHA256 != second[0].Digests.SHA256 {
		t.Error("digest differs between identical runs")
	}
}

func TestWriteParagraphFieldOrderAndRawFields(t *testing.T) {
	p := pkg("hello", "1.0", "amd64")
	p.Section = "utils"
	p.RawFields = map[string]string{"X-Custom-Field": "zzz", "Another-Field": "aaa"}

	indexes := GeneratePackages("main", []catalog.Package{p}, map[string]string{p.ID: "hello.deb"})
	contents := string(indexes[0].Contents)

	packageIdx := strings.Index(contents, "Package:")
	versionIdx := strings.Index(contents, "Version:")
	archIdx := strings.Index(contents, "Architecture:")
	sectionIdx := strings.Index(contents, "Section:")
	anotherIdx := strings.Index(contents, "Another-Field:")
	customIdx := strings.Index(contents, "X-Custom-Field:")
	filenameIdx := strings.Index(contents, "Filename:")

	if !(packageIdx < versionIdx && versionIdx < archIdx) {
		t.Errorf("fixed fields out of IndexFieldOrder: %s", contents)
	}
	if !(sectionIdx < anotherIdx && anotherIdx < customIdx) {
		t.Errorf("expected remaining raw fields ASCII sorted after fixed fields: %s", contents)
	}
	if filenameIdx < customIdx {
		t.Errorf("expected derived Filename field after raw fields: %s", contents)
	}
	if !strings.HasSuffix(contents, "\n\n") {
		t.Errorf("expected paragraph terminated by a blank line: %q", contents)
	}
}

func TestWriteFieldFoldsEmbeddedNewlines(t *testing.T) {
	p := pkg("hello", "1.0", "amd64")
	p.Description = "short summary\n extended description line"
	indexes := GeneratePackages("main", []catalog.Package{p}, map[string]string{p.ID: "hello.deb"})
	contents := string(indexes[0].Contents)
	if !strings.Contains(contents, "Description: short summary\n extended description line\n") {
		t.Errorf("expected folded continuation line, got: %q", contents)
	}
}

func TestGenerateReleaseOmitsEmptyFields(t *testing.T) {
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body := GenerateRelease(ReleaseFields{
		Origin:   "aptpub",
		Suite:    "stable",
		Codename: "stable",
	}, nil, date)
	s := string(body)
	if !strings.Contains(s, "Origin: aptpub\n") {
		t.Errorf("expected Origin header, got %q", s)
	}
	if strings.Contains(s, "Label:") {
		t.Errorf("expected Label header omitted when empty, got %q", s)
	}
	if !strings.Contains(s, "Acquire-By-Hash: yes\n") {
		t.Errorf("expected Acquire-By-Hash header, got %q", s)
	}
	for _, header := range []string{"MD5Sum:\n", "SHA1:\n", "SHA256:\n"} {
		if !strings.Contains(s, header) {
			t.Errorf("expected empty-release Release body to still carry the %q header, got %q", header, s)
		}
	}
}

func TestGenerateReleaseHashSections(t *testing.T) {
	entries := []IndexEntry{
		{Component: "main", Architecture: "arm64", Digests: Digests{MD5: "m2", SHA1: "s2", SHA256: "h2", Size: 20}},
		{Component: "main", Architecture: "amd64", Digests: Digests{MD5: "m1", SHA1: "s1", SHA256: "h1", Size: 10}},
	}
	body := GenerateRelease(ReleaseFields{Origin: "aptpub"}, entries, time.Now().UTC())
	s := string(body)

	amd64Line := " m1 10 main/binary-amd64/Packages\n"
	arm64Line := " m2 20 main/binary-arm64/Packages\n"
	amd64Idx := strings.Index(s, amd64Line)
	arm64Idx := strings.Index(s, arm64Line)
	if amd64Idx < 0 || arm64Idx < 0 {
		t.Fatalf("expected both architecture lines present in %q", s)
	}
	if amd64Idx > arm64Idx {
		t.Errorf("expected amd64 to sort before arm64 in MD5Sum section")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	body := []byte("Origin: aptpub\n")
	if Fingerprint(body) != Fingerprint(body) {
		t.Error("Fingerprint is not deterministic")
	}
	if Fingerprint(body) == Fingerprint([]byte("different")) {
		t.Error("Fingerprint collided for different inputs")
	}
}

func TestByHashPaths(t *testing.T) {
	e := IndexEntry{Component: "main", Architecture: "amd64", Digests: Digests{MD5: "aaa", SHA1: "bbb", SHA256: "ccc"}}
	paths := ByHashPaths(e)
	if paths["MD5Sum"] != "main/binary-amd64/by-hash/MD5Sum/aaa" {
		t.Errorf("MD5Sum path = %q", paths["MD5Sum"])
	}
	if paths["SHA256"] != "main/binary-amd64/by-hash/SHA256/ccc" {
		t.Errorf("SHA256 path = %q", paths["SHA256"])
	}
}
