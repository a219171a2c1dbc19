package deb

// Architecture is a Debian hardware architecture name. The enumeration is
// closed and ordered: the order below is the order the index generator uses
// when it sorts packages by architecture and when it lists Architectures in
// the Release manifest (spec §4.D).
type Architecture string

const (
	ArchAll      Architecture = "all"
	ArchAmd64    Architecture = "amd64"
	ArchArm64    Architecture = "arm64"
	ArchArmhf    Architecture = "armhf"
	ArchArmel    Architecture = "armel"
	ArchI386     Architecture = "i386"
	ArchMips64el Architecture = "mips64el"
	ArchMipsel   Architecture = "mipsel"
	ArchPpc64el  Architecture = "ppc64el"
	ArchRiscv64  Architecture = "riscv64"
	ArchS390x    Architecture = "s390x"
)

// architectureOrder fixes the enumeration order referenced throughout the
// index generator. Using a slice (rather than relying on map iteration)
// keeps "Architectures: ..." and per-arch Packages generation a pure
// function of the enumeration, never of map order.
var architectureOrder = []Architecture{
	ArchAll, ArchAmd64, ArchArm64, ArchArmhf, ArchArmel, ArchI386,
	ArchMips64el, ArchMipsel, ArchPpc64el, ArchRiscv64, ArchS390x,
}

var architectureRank = func() map[Architecture]int {
	m := make(map[Architecture]int, len(architectureOrder))
	for i, a := range architectureOrder {
		m[a] = i
	}
	return m
}()

// ValidArchitecture reports whether a is a member of the closed enumeration.
func ValidArchitecture(a string) bool {
	_, ok := architectureRank[Architecture(a)]
	return ok
}

// CompareArchitectures orders two architecture names by the fixed
// enumeration order. Unknown architectures (which ValidArchitecture would
// reject earlier in the pipeline) sort after all known ones, then by ASCII,
// so the comparator stays total even if it is ever handed bad input.
func CompareArchitectures(a, b string) int {
	ra, aok := architectureRank[Architecture(a)]
	rb, bok := architectureRank[Architecture(b)]
	switch {
	case aok && bok:
		return ra - rb
	case aok && !bok:
		return -1
	case !aok && bok:
		return 1
	default:
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	}
}

// KnownArchitectures returns the enumeration in its fixed order.
func KnownArchitectures() []Architecture {
	out := make([]Architecture, len(architectureOrder))
	copy(out, architectureOrder)
	return out
}

// controlMember names a member of the control.tar archive inside a .deb.
type controlMember string

const (
	memberControl controlMember = "control"
)

// RequiredFields are the control fields whose absence makes a package
// MalformedPackage.
var RequiredFields = []string{"Package", "Version", "Architecture", "Maintainer", "Description"}

// IndexFieldOrder is the fixed field order the Packages index generator
// emits required fields in, before falling back to ASCII-sorted remaining
// fields (spec §4.D step 3).
var IndexFieldOrder = []string{
	"Package", "Source", "Version", "Installed-Size", "Maintainer",
	"Architecture", "Depends", "Recommends", "Conflicts", "Provides",
	"Replaces", "Homepage", "Section", "Priority", "Description",
}
