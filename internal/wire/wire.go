// Package wire implements the client↔daemon frame encoding, grounded on
// the original include/protocol.h. Frames are length-prefixed, host-endian,
// and carry one of four message types.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the frame's 32-bit type enum.
type MsgType uint32

const (
	MsgReq     MsgType = iota // client -> daemon: rate request
	MsgFail                   // daemon -> client: terminal failure
	MsgLog                    // daemon -> client: free-form UTF-8 progress line
	MsgProceed                // daemon -> client: admitted, proceed to exec
)

// HeaderSize is sizeof(struct msg_header): two uint32 fields.
const HeaderSize = 8

// ReqAttrSize is sizeof(struct rate_limit_req_attr): two uint64 rates plus
// a uint64 flags word.
const ReqAttrSize = 24

// FailAttrSize is sizeof(struct rate_limit_fail_attr): one uint32 reason.
const FailAttrSize = 4

// RateUnlimited is the wire sentinel meaning "no cap in this dimension",
// distinct from 0 which means "this dimension contributes nothing". The
// pacing formula currently does not special-case it (see DESIGN.md's Open
// Question decisions).
const RateUnlimited uint64 = ^uint64(0)

// ReqFlags are the bits of the REQ frame's flags word.
type ReqFlags uint64

// NoWait, if set, asks the daemon to fail immediately rather than wait when
// the admission cap is reached.
const NoWait ReqFlags = 1 << 0

// FailReason enumerates the terminal failure reasons a FAIL frame can carry.
type FailReason uint32

const (
	FailUnknown FailReason = iota
	FailWillWait
	FailInternal
	FailNoResource
	FailYourError
)

func (r FailReason) String() string {
	switch r {
	case FailUnknown:
		return "UNKNOWN"
	case FailWillWait:
		return "WILL_WAIT"
	case FailInternal:
		return "INTERNAL"
	case FailNoResource:
		return "NORESOURCE"
	case FailYourError:
		return "YOUR_ERROR"
	default:
		return fmt.Sprintf("FailReason(%d)", uint32(r))
	}
}

// Header is the frame preamble: Length is the full frame length including
// the header itself.
type Header struct {
	Length uint32
	Type   MsgType
}

// ReqAttr is the REQ frame's attribute payload.
type ReqAttr struct {
	ByteRate   uint64
	PacketRate uint64
	Flags      uint64
}

// FailAttr is the FAIL frame's attribute payload.
type FailAttr struct {
	Reason FailReason
}

// nativeEndian is the host byte order; the wire format leaves endianness
// undeclared and assumes client and daemon share a machine, so
// binary.NativeEndian is the direct expression of that choice.
var nativeEndian = binary.NativeEndian

// EncodeHeader writes a Header in host-endian byte order.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	nativeEndian.PutUint32(buf[0:4], h.Length)
	nativeEndian.PutUint32(buf[4:8], uint32(h.Type))
	return buf
}

// DecodeHeader parses a Header from host-endian bytes. buf must be at
// least HeaderSize long.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	return Header{
		Length: nativeEndian.Uint32(buf[0:4]),
		Type:   MsgType(nativeEndian.Uint32(buf[4:8])),
	}, nil
}

// EncodeReqAttr writes a ReqAttr in host-endian byte order.
func EncodeReqAttr(a ReqAttr) []byte {
	buf := make([]byte, ReqAttrSize)
	nativeEndian.PutUint64(buf[0:8], a.ByteRate)
	nativeEndian.PutUint64(buf[8:16], a.PacketRate)
	nativeEndian.PutUint64(buf[16:24], a.Flags)
	return buf
}

// DecodeReqAttr parses a ReqAttr from host-endian bytes.
func DecodeReqAttr(buf []byte) (ReqAttr, error) {
	if len(buf) < ReqAttrSize {
		return ReqAttr{}, fmt.Errorf("wire: short req attr: %d bytes", len(buf))
	}
	return ReqAttr{
		ByteRate:   nativeEndian.Uint64(buf[0:8]),
		PacketRate: nativeEndian.Uint64(buf[8:16]),
		Flags:      nativeEndian.Uint64(buf[16:24]),
	}, nil
}

// EncodeFailAttr writes a FailAttr in host-endian byte order.
func EncodeFailAttr(a FailAttr) []byte {
	buf := make([]byte, FailAttrSize)
	nativeEndian.PutUint32(buf[0:4], uint32(a.Reason))
	return buf
}

// DecodeFailAttr parses a FailAttr from host-endian bytes.
func DecodeFailAttr(buf []byte) (FailAttr, error) {
	if len(buf) < FailAttrSize {
		return FailAttr{}, fmt.Errorf("wire: short fail attr: %d bytes", len(buf))
	}
	return FailAttr{Reason: FailReason(nativeEndian.Uint32(buf[0:4]))}, nil
}

// EncodeReq builds a complete REQ frame.
func EncodeReq(a ReqAttr) []byte {
	body := EncodeReqAttr(a)
	return assembleFrame(MsgReq, body)
}

// EncodeFail builds a complete FAIL frame.
func EncodeFail(reason FailReason) []byte {
	body := EncodeFailAttr(FailAttr{Reason: reason})
	return assembleFrame(MsgFail, body)
}

// EncodeLog builds a complete LOG frame carrying a free-form UTF-8 message.
func EncodeLog(msg string) []byte {
	return assembleFrame(MsgLog, []byte(msg))
}

// EncodeProceed builds a complete PROCEED frame with no payload.
func EncodeProceed() []byte {
	return assembleFrame(MsgProceed, nil)
}

func assembleFrame(t MsgType, body []byte) []byte {
	total := HeaderSize + len(body)
	buf := make([]byte, total)
	copy(buf, EncodeHeader(Header{Length: uint32(total), Type: t}))
	copy(buf[HeaderSize:], body)
	return buf
}
