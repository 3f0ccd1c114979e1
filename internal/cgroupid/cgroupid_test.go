package cgroupid

import "testing"

func TestNativeUint64DecodesLittleEndianHandle(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := nativeUint64(b); got != 1 {
		t.Errorf("nativeUint64 = %d, want 1", got)
	}

	b = []byte{0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01}
	want := uint64(0x0123456789abcdef)
	if got := nativeUint64(b); got != want {
		t.Errorf("nativeUint64 = %#x, want %#x", got, want)
	}
}

func TestCloseNilRootIsNoop(t *testing.T) {
	var r *Root
	if err := r.Close(); err != nil {
		t.Errorf("Close on nil Root: %v", err)
	}
}
