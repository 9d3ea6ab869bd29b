package integrity

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	for _, testcase := range []struct {
		input string
		err   error
		alg   Algorithm
	}{
		{
			input: "sha512-z4PhNX7vuL3xVChQ1m2AB9Yg5AULVxXcg/SpIdNs6c5H0NE8XYXysP+DGNKHfuwvY7kxvUdBeoGlODJ6+SfaPg==",
			alg:   SHA512,
		},
		{
			input: "sha256-LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=",
			alg:   SHA256,
		},
		{
			input: "",
			err:   ErrMalformed,
		},
		{
			input: "sha256-",
			err:   ErrMalformed,
		},
		{
			input: "md5-XUFAKrxLKna5cZ2REBfFkg==",
			err:   ErrUnknownAlgorithm,
		},
	} {
		got, err := Parse(testcase.input)
		if testcase.err != nil {
			if err == nil {
				t.Fatalf("Parse(%q): expected error, got none", testcase.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", testcase.input, err)
		}
		if got.Entries[0].Algorithm != testcase.alg {
			t.Fatalf("Parse(%q): algorithm = %q, want %q", testcase.input, got.Entries[0].Algorithm, testcase.alg)
		}
	}
}

func TestHashAndChecker(t *testing.T) {
	data := []byte("hello world")
	want, err := Hash(data, SHA512)
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewChecker(want)
	if err != nil {
		t.Fatal(err)
	}
	c.Update(data[:5])
	c.Update(data[5:])
	if alg, err := c.Finalize(); err != nil || alg != SHA512 {
		t.Fatalf("Finalize() = %v, %v; want SHA512, nil", alg, err)
	}
}

func TestCheckerRejectsFlip(t *testing.T) {
	base := make([]byte, 1<<20)
	for i := range base {
		base[i] = byte(i)
	}
	want, err := Hash(base, SHA256)
	if err != nil {
		t.Fatal(err)
	}

	for _, offset := range []int{0, len(base) / 2, len(base) - 1} {
		flipped := append([]byte(nil), base...)
		flipped[offset] ^= 0xFF

		c, err := NewChecker(want)
		if err != nil {
			t.Fatal(err)
		}
		c.Update(flipped)
		_, err = c.Finalize()
		var mismatch *MismatchError
		if err == nil {
			t.Fatalf("offset %d: expected mismatch error", offset)
		}
		if !asMismatch(err, &mismatch) {
			t.Fatalf("offset %d: error %v is not a MismatchError", offset, err)
		}
	}
}

func asMismatch(err error, target **MismatchError) bool {
	if m, ok := err.(*MismatchError); ok {
		*target = m
		return true
	}
	return false
}

func TestCheckerZeroBytesIsDistinctFailure(t *testing.T) {
	want, err := Hash([]byte("x"), SHA256)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewChecker(want)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Finalize(); err != ErrNoBytes {
		t.Fatalf("Finalize() on empty checker = %v, want ErrNoBytes", err)
	}
}

func TestMultiHashAnyMatchSatisfies(t *testing.T) {
	data := []byte("payload")
	weak, _ := Hash(data, SHA1)
	strong, _ := Hash(data, SHA512)
	combined := Integrity{Entries: append(append([]Entry(nil), weak.Entries...), strong.Entries...)}

	c, err := NewChecker(combined)
	if err != nil {
		t.Fatal(err)
	}
	c.Update(data)
	if alg, err := c.Finalize(); err != nil || alg != SHA1 {
		t.Fatalf("Finalize() = %v, %v; want SHA1 (first matching entry), nil", alg, err)
	}
}

func TestStringRendersStrongestFirst(t *testing.T) {
	data := []byte("payload")
	weak, _ := Hash(data, SHA1)
	strong, _ := Hash(data, SHA512)
	combined := Integrity{Entries: []Entry{weak.Entries[0], strong.Entries[0]}}
	rendered := combined.String()
	if !strings.HasPrefix(rendered, "sha512-") {
		t.Fatalf("String() = %q, want sha512 first", rendered)
	}
}
