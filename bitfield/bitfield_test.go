package bitfield

import "testing"

func TestAddHasRemove(t *testing.T) {
	bf := New(4)
	if bf.Has(2) {
		t.Fatalf("expected piece 2 unset initially")
	}
	bf.AddPiece(2)
	if !bf.Has(2) {
		t.Errorf("expected piece 2 set after AddPiece")
	}
	bf.RemovePiece(2)
	if bf.Has(2) {
		t.Errorf("expected piece 2 clear after RemovePiece")
	}
}

func TestAddPieceGrows(t *testing.T) {
	bf := New(1)
	bf.AddPiece(20)
	if !bf.Has(20) {
		t.Errorf("expected piece 20 set after growth")
	}
	if bf.Len() < 21 {
		t.Errorf("expected bitfield to grow past bit 20, len=%d", bf.Len())
	}
}

func TestBitOrderMSBFirst(t *testing.T) {
	// Bit 0 is the high bit of byte 0, per the BitTorrent wire spec.
	bf := New(8)
	bf.AddPiece(0)
	if bf.Bytes()[0] != 0x80 {
		t.Errorf("expected byte 0 to be 0x80, got %#x", bf.Bytes()[0])
	}
}

func TestPieces(t *testing.T) {
	bf := New(16)
	bf.AddPiece(1)
	bf.AddPiece(9)
	bf.AddPiece(15)
	got := bf.Pieces()
	want := []int{1, 9, 15}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestHasOutOfRange(t *testing.T) {
	bf := New(1)
	if bf.Has(100) {
		t.Errorf("expected out-of-range Has to be false")
	}
}
