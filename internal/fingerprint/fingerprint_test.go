package fingerprint

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	a := Of("alpine:3.18", []string{"echo hi", "echo bye"})
	b := Of("alpine:3.18", []string{"echo hi", "echo bye"})
	if a != b {
		t.Fatalf("expected identical fingerprints, got %s and %s", a, b)
	}
}

func TestOfDistinguishesCommandOrder(t *testing.T) {
	a := Of("alpine:3.18", []string{"echo hi", "echo bye"})
	b := Of("alpine:3.18", []string{"echo bye", "echo hi"})
	if a == b {
		t.Fatal("expected different command order to produce different fingerprints")
	}
}

func TestOfNormalizesImplicitLatestTag(t *testing.T) {
	a := Of("alpine", []string{"echo hi"})
	b := Of("alpine:latest", []string{"echo hi"})
	if a != b {
		t.Fatalf("expected implicit and explicit :latest to match, got %s and %s", a, b)
	}
}

func TestMatrixVariantDeterministicRegardlessOfAxisOrder(t *testing.T) {
	base := Of("alpine:3.18", []string{"echo hi"})
	v1, err := MatrixVariant(base, map[string]string{"os": "linux", "arch": "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := MatrixVariant(base, map[string]string{"arch": "amd64", "os": "linux"})
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("expected axis order to not affect the variant fingerprint, got %s and %s", v1, v2)
	}
}

func TestMatrixVariantDistinguishesAxisValues(t *testing.T) {
	base := Of("alpine:3.18", []string{"echo hi"})
	v1, _ := MatrixVariant(base, map[string]string{"os": "linux"})
	v2, _ := MatrixVariant(base, map[string]string{"os": "darwin"})
	if v1 == v2 {
		t.Fatal("expected different axis values to produce different variant fingerprints")
	}
}
