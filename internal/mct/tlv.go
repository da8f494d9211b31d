package mct

import (
	"encoding/binary"
	"fmt"

	"github.com/tj90241/modemd/internal/qmierr"
)

// ResultTLV is the standard QMI result-code TLV type: every response
// carries it, mandatory.
const ResultTLV uint8 = 0x02

// Result is the decoded standard QMI result TLV.
type Result struct {
	Success   bool
	ErrorCode uint16
}

// PutResult encodes the standard result TLV onto a TLV map (used by test
// doubles that play the modem side of the wire).
func PutResult(tlvs map[uint8][]byte, success bool, errorCode uint16) {
	v := make([]byte, 4)
	if success {
		binary.LittleEndian.PutUint16(v[0:2], 0)
	} else {
		binary.LittleEndian.PutUint16(v[0:2], 1)
	}
	binary.LittleEndian.PutUint16(v[2:4], errorCode)
	tlvs[ResultTLV] = v
}

// DecodeResult extracts and validates the mandatory result TLV from a
// response message.
func DecodeResult(msg Message) (Result, error) {
	v, ok := msg.TLVs[ResultTLV]
	if !ok || len(v) < 4 {
		return Result{}, qmierr.New(qmierr.ProtocolViolation, "mct.DecodeResult", fmt.Errorf("missing or short result TLV"))
	}
	code := binary.LittleEndian.Uint16(v[0:2])
	errCode := binary.LittleEndian.Uint16(v[2:4])
	return Result{Success: code == 0, ErrorCode: errCode}, nil
}

// PutUint8 / PutUint16 / PutUint32 / PutBool write a single scalar TLV
// value.
func PutUint8(tlvs map[uint8][]byte, t uint8, v uint8) { tlvs[t] = []byte{v} }

func PutBool(tlvs map[uint8][]byte, t uint8, v bool) {
	if v {
		tlvs[t] = []byte{1}
	} else {
		tlvs[t] = []byte{0}
	}
}

func PutUint16(tlvs map[uint8][]byte, t uint8, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	tlvs[t] = b
}

func PutUint32(tlvs map[uint8][]byte, t uint8, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	tlvs[t] = b
}

func GetUint8(msg Message, t uint8) (uint8, bool) {
	v, ok := msg.TLVs[t]
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

func GetBool(msg Message, t uint8) (bool, bool) {
	v, ok := GetUint8(msg, t)
	return v != 0, ok
}

func GetUint16(msg Message, t uint8) (uint16, bool) {
	v, ok := msg.TLVs[t]
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

func GetUint32(msg Message, t uint8) (uint32, bool) {
	v, ok := msg.TLVs[t]
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

func GetString(msg Message, t uint8) (string, bool) {
	v, ok := msg.TLVs[t]
	if !ok {
		return "", false
	}
	return string(v), true
}
