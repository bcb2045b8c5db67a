package logging

import "testing"

func TestMaskField(t *testing.T) {
	attr := MaskField("seed", "deadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("non-empty value not redacted: %q", attr.Value.String())
	}
	attr = MaskField("seed", "  ")
	if attr.Value.String() == RedactedValue {
		t.Fatal("blank value redacted")
	}
}

func TestAbbrev(t *testing.T) {
	if got := Abbrev("short"); got != "short" {
		t.Fatalf("short id changed: %q", got)
	}
	long := "0123456789abcdef0123456789abcdef"
	if got := Abbrev(long); got != "0123456789ab…" {
		t.Fatalf("abbrev = %q", got)
	}
}
