package model

import "testing"

func TestSfnSfAddWrapsSubframeAndFrame(t *testing.T) {
	s := NewSfnSf(7, 9, 1, 1)
	got := s.Add(1)
	want := NewSfnSf(8, 0, 0, 1)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Normalize() != s.Normalize()+1 {
		t.Fatalf("normalize not contiguous: got %d, want %d", got.Normalize(), s.Normalize()+1)
	}
}

func TestSfnSfEncodeRoundTrip(t *testing.T) {
	s := NewSfnSf(1023, 4, 3, 2)
	d := Decode(s.Encode(), 2)
	if !d.Equal(s) {
		t.Fatalf("got %v, want %v", d, s)
	}
	if s.Encode() == s.Next().Encode() {
		t.Fatalf("adjacent slots share a key")
	}
}

func TestSfnSfOrdering(t *testing.T) {
	a := NewSfnSf(3, 0, 0, 0)
	b := a.Add(25)
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("ordering broken for %v and %v", a, b)
	}
	if b.Frame != 5 || b.Subframe != 5 {
		t.Fatalf("got %v, want 5.5.0", b)
	}
}

func TestDciCloneIsDeep(t *testing.T) {
	d := NewDci(7, DL, 10)
	d.RbgMask.Set(3)
	c := d.Clone()
	c.RbgMask.Set(4)
	if d.RbgMask.Test(4) {
		t.Fatalf("clone shares its mask with the original")
	}
	if c.NumRbg() != 2 || d.NumRbg() != 1 {
		t.Fatalf("got %d/%d set RBGs, want 2/1", c.NumRbg(), d.NumRbg())
	}
}

func TestCtrlDciCoversBand(t *testing.T) {
	d := NewCtrlDci(UL, 13, 17, 0)
	if d.NumRbg() != 17 || d.RbgMask.Len() != 17 {
		t.Fatalf("got %d set of %d, want 17 of 17", d.NumRbg(), d.RbgMask.Len())
	}
}
