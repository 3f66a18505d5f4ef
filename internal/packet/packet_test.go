package packet

import (
	"bytes"
	"testing"
)

func TestSliceAndBytes(t *testing.T) {
	p := NewSlice([]byte("xxhello"), 2, -1)
	if got := string(p.Bytes()); got != "hello" {
		t.Fatalf("Bytes = %q", got)
	}
	sub := p.Slice(1, 3)
	if got := string(sub.Bytes()); got != "ell" {
		t.Fatalf("Slice = %q", got)
	}
	if sub.Offset != 3 {
		t.Errorf("Offset = %d, want 3", sub.Offset)
	}
}

func TestNewSliceOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for offset+count > len")
		}
	}()
	NewSlice(make([]byte, 4), 2, 3)
}

func TestChain(t *testing.T) {
	head := New([]byte{1, 2})
	head.Append(New([]byte{3})).Append(NewSlice([]byte{9, 4, 5}, 1, 2))

	if head.Total() != 5 {
		t.Fatalf("Total = %d", head.Total())
	}
	if !bytes.Equal(head.ToArray(), []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("ToArray = %v", head.ToArray())
	}
	if n := len(head.Buffers()); n != 3 {
		t.Errorf("Buffers len = %d, want 3", n)
	}

	flat := head.Slice(1, 3)
	if !bytes.Equal(flat.Bytes(), []byte{2, 3, 4}) {
		t.Errorf("Slice across chain = %v", flat.Bytes())
	}
}

func TestCloneDetaches(t *testing.T) {
	buf := []byte("abc")
	p := New(buf)
	c := p.Clone()
	buf[0] = 'z'
	if c.String() != "abc" {
		t.Fatalf("clone changed with source: %q", c.String())
	}
}

func TestFrom(t *testing.T) {
	if From("hi").String() != "hi" {
		t.Error("string conversion")
	}
	if From([]byte("yo")).String() != "yo" {
		t.Error("bytes conversion")
	}
	if From(42) != nil {
		t.Error("unsupported type should give nil")
	}
}
