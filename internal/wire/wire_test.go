package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Length: 42, Type: MsgProceed}
	got, err := DecodeHeader(EncodeHeader(h))
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding short header")
	}
}

func TestReqAttrRoundTrip(t *testing.T) {
	a := ReqAttr{ByteRate: 12345, PacketRate: 67, Flags: uint64(NoWait)}
	got, err := DecodeReqAttr(EncodeReqAttr(a))
	if err != nil {
		t.Fatalf("DecodeReqAttr: %v", err)
	}
	if got != a {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestFailAttrRoundTrip(t *testing.T) {
	a := FailAttr{Reason: FailNoResource}
	got, err := DecodeFailAttr(EncodeFailAttr(a))
	if err != nil {
		t.Fatalf("DecodeFailAttr: %v", err)
	}
	if got != a {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestEncodeReqFrameShape(t *testing.T) {
	frame := EncodeReq(ReqAttr{ByteRate: 1, PacketRate: 2, Flags: 0})
	wantLen := HeaderSize + ReqAttrSize
	if len(frame) != wantLen {
		t.Fatalf("frame length = %d, want %d", len(frame), wantLen)
	}
	hdr, err := DecodeHeader(frame[:HeaderSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != MsgReq || int(hdr.Length) != wantLen {
		t.Errorf("header = %+v", hdr)
	}
}

func TestEncodeProceedHasNoBody(t *testing.T) {
	frame := EncodeProceed()
	if len(frame) != HeaderSize {
		t.Fatalf("proceed frame length = %d, want %d", len(frame), HeaderSize)
	}
}

func TestEncodeLogCarriesMessage(t *testing.T) {
	frame := EncodeLog("hello")
	if !bytes.Equal(frame[HeaderSize:], []byte("hello")) {
		t.Errorf("log body = %q, want %q", frame[HeaderSize:], "hello")
	}
}

func TestFailReasonString(t *testing.T) {
	if FailNoResource.String() != "NORESOURCE" {
		t.Errorf("got %q", FailNoResource.String())
	}
	if FailReason(99).String() == "" {
		t.Error("unknown reason should still stringify")
	}
}
