package extractor

import (
	"bytes"
	"testing"
)

func TestStringPoolSentinel(t *testing.T) {
	p := NewStringPool()
	if off := p.Add(""); off != 0 {
		t.Errorf("empty string offset = %d, want 0", off)
	}
	if off := p.Add("_first"); off != 1 {
		t.Errorf("first string offset = %d, want 1", off)
	}
}

func TestStringPoolDedup(t *testing.T) {
	p := NewStringPool()
	a := p.Add("_malloc")
	b := p.Add("_free")
	if got := p.Add("_malloc"); got != a {
		t.Errorf("re-adding _malloc moved its offset: %d != %d", got, a)
	}
	if a == b {
		t.Errorf("distinct strings share offset %d", a)
	}
}

func TestStringPoolWriteDeterministic(t *testing.T) {
	build := func() ([]byte, uint32) {
		p := NewStringPool()
		for _, s := range []string{"_c", "_a", "_b", "_a"} {
			p.Add(s)
		}
		buf := make([]byte, p.Size())
		n := p.Write(buf)
		return buf, n
	}
	buf1, n1 := build()
	buf2, n2 := build()
	if n1 != n2 || !bytes.Equal(buf1, buf2) {
		t.Error("string pool layout is not byte-identical across runs")
	}
	want := "\x00_c\x00_a\x00_b\x00"
	if string(buf1[:n1]) != want {
		t.Errorf("pool layout = %q, want %q", buf1[:n1], want)
	}
}
