package version

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input      string
		want       string
		prerelease bool
	}{
		{"1.0.0", "1.0.0", false},
		{"1", "1.0.0", false},
		{"1.01", "1.1.0", false},
		{" 2.3.4 ", "2.3.4", false},
		{"1.0.0-beta.1", "1.0.0-beta.1", true},
		{"1.0.0-rc-2+build.7", "1.0.0-rc-2+build.7", true},
		{"1.2.3.4", "1.2.3.4", false},
		{"1.2.3.0", "1.2.3", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if got := v.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if v.IsPrerelease() != tt.prerelease {
				t.Errorf("IsPrerelease() = %v, want %v", v.IsPrerelease(), tt.prerelease)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "a.b.c", "1.2.3.4.5", "-1.0.0", "1.0.0-", "1.0.0-beta..1", "1.0.0+", "1.0.0-be ta", "1..0"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) expected error", input)
		}
	}
}

func TestMustParse(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse did not panic on an invalid version")
		}
	}()
	_ = MustParse("not-a-version")
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		v1       string
		v2       string
		expected int
	}{
		{"equal", "1.0.0", "1.0.0", 0},
		{"major less", "1.0.0", "2.0.0", -1},
		{"minor greater", "1.1.0", "1.0.0", 1},
		{"patch less", "1.0.0", "1.0.1", -1},
		{"revision", "1.0.0.1", "1.0.0", 1},
		{"release > prerelease", "1.0.0", "1.0.0-beta", 1},
		{"prerelease alpha < beta", "1.0.0-alpha", "1.0.0-beta", -1},
		{"numeric < alphanumeric", "1.0.0-1", "1.0.0-alpha", -1},
		{"numeric labels", "1.0.0-beta.2", "1.0.0-beta.10", -1},
		{"labels ignore case", "1.0.0-BETA", "1.0.0-beta", 0},
		{"shorter label list", "1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"metadata ignored", "1.0.0+a", "1.0.0+b", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MustParse(tt.v1).Compare(MustParse(tt.v2)); got != tt.expected {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.v1, tt.v2, got, tt.expected)
			}
		})
	}
}
