package sha256

import "testing"

func TestHexDeterministic(t *testing.T) {
	t.Parallel()

	got := Hex("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Hex("hello world"); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestPrefix16MatchesHex(t *testing.T) {
	t.Parallel()

	prefix := Prefix16("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfa"
	var got [32]byte
	const digits = "0123456789abcdef"
	for i, b := range prefix {
		got[i*2] = digits[b>>4]
		got[i*2+1] = digits[b&0x0f]
	}
	if string(got[:]) != want {
		t.Fatalf("expected %s, got %s", want, string(got[:]))
	}
}
