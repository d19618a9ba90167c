package arch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in   string
		want Architecture
	}{
		{in: "x86_64", want: X86_64},
		{in: "amd64", want: X86_64},
		{in: " ARM64 ", want: AArch64},
		{in: "ppc64el", want: PPC64LE},
		{in: "s390x", want: S390X},
		{in: "riscv64", want: RISCV64},
		{in: "mips", want: ""},
		{in: "", want: ""},
	}

	for _, tc := range testCases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("sparc"); err == nil {
		t.Fatalf("Parse(sparc) error = nil, want error")
	}
}

func TestHostIsSupported(t *testing.T) {
	t.Parallel()

	host, err := Host()
	if err != nil {
		t.Skipf("host architecture not supported: %v", err)
	}
	if !host.IsValid() {
		t.Fatalf("Host() = %q, not a valid architecture", host)
	}
}
