// Package wds implements the wireless data service: a per-address-family
// packet session, its autoconnect settings, and the asynchronous
// packet-service-status indication handling.
package wds

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/jacobsa/syncutil"

	"github.com/tj90241/modemd/internal/mct"
	"github.com/tj90241/modemd/internal/qmierr"
)

// Family identifies which IP address family a session belongs to.
type Family int

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V4 {
		return "v4"
	}
	return "v6"
}

// AutoconnectSetting and RoamSetting mirror the modem's autoconnect
// configuration enumerations.
type AutoconnectSetting uint8

const (
	AutoconnectDisabled AutoconnectSetting = iota
	AutoconnectEnabled
	AutoconnectPaused
)

type RoamSetting uint8

const (
	RoamAlways RoamSetting = iota
	RoamHomeOnly
)

// Wire message ids and TLV types, opaque to callers.
const (
	msgGetAutoconnect  uint16 = 0x0020
	msgSetAutoconnect  uint16 = 0x0021
	msgSetIPFamily     uint16 = 0x0022
	msgStartSession    uint16 = 0x0023
	msgStopSession     uint16 = 0x0024
	msgGetRuntime      uint16 = 0x0025
	msgPacketStatusInd uint16 = 0x0026

	tlvAutoconnectSetting uint8 = 0x30
	tlvRoamSetting        uint8 = 0x31
	tlvIPFamily           uint8 = 0x32
	tlvProfileID          uint8 = 0x33
	tlvSessionID          uint8 = 0x34
	tlvFailureReason      uint8 = 0x35
	tlvVerboseReasonType  uint8 = 0x36
	tlvVerboseReason      uint8 = 0x37

	tlvV4Address    uint8 = 0x40
	tlvV4Gateway    uint8 = 0x41
	tlvV4SubnetMask uint8 = 0x42
	tlvV6Address    uint8 = 0x43
	tlvV6AddrPrefix uint8 = 0x44
	tlvV6Gateway    uint8 = 0x45
	tlvV6GwPrefix   uint8 = 0x46

	// Indication TLV types.
	tlvConnStatus          uint8 = 0x50
	tlvReconfigRequired    uint8 = 0x51
	tlvSessionEndReason    uint8 = 0x52
	tlvVerboseEndReason    uint8 = 0x53
	tlvVerboseEndReasonVal uint8 = 0x54
)

// errorCodeNoEffect is the result-TLV error code meaning "already in the
// requested state" (here: no session was running to stop). StopDataSession
// treats it as success rather than surfacing it.
const errorCodeNoEffect uint16 = 0x0002

// ConnectionStatus values carried on a packet-service-status indication.
type ConnectionStatus uint8

const (
	StatusDisconnected   ConnectionStatus = 1
	StatusConnected      ConnectionStatus = 2
	StatusSuspended      ConnectionStatus = 3
	StatusAuthenticating ConnectionStatus = 4
)

// The two ways a DISCONNECTED indication can be attributable to the host
// itself rather than the network.
const (
	sessionEndReasonClientEnded     uint16 = 2
	verboseReasonTypeInternal       uint16 = 3
	verboseReasonInternalClientEnd  uint16 = 2000
)

// RuntimeSettings carries the address, gateway, and prefix of an active
// packet session, tagged by family via AddressLen.
type RuntimeSettings struct {
	Address      [16]byte
	AddressLen   int // 4 or 16
	Gateway      [16]byte
	PrefixLength int

	// GatewayPrefixDisagreed is set when the v6 gateway TLV's prefix
	// length did not match the address TLV's; the address's value is
	// always what ends up in PrefixLength.
	GatewayPrefixDisagreed bool
}

// Session is one family-bound packet session attachment.
type Session struct {
	mu syncutil.InvariantMutex // GUARDED_BY(mu): everything but teardownRequested

	attacher mct.Attacher
	family   Family
	clientID uint8

	handle mct.Requester

	profileID uint8
	sessionID uint32 // 0 means "no session"

	lastRuntime RuntimeSettings

	// teardownRequested is the sole datum crossing the indication
	// thread/main thread boundary. Single writer (the indication
	// callback), single reader (the supervisor's monitor loop),
	// monotonic within one session lifetime.
	teardownRequested atomic.Bool
}

// New builds a Session for the given family, attaching with clientID
// (distinguishing the v4 and v6 sessions on the wire).
func New(attacher mct.Attacher, family Family, clientID uint8) *Session {
	s := &Session{attacher: attacher, family: family, clientID: clientID}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants: if a session id is held, a session-stop must be
// attempted before the handle is detached. We can't observe "attempted"
// directly, but we can assert the narrower, always-checkable half: a
// session id is only ever non-zero while attached.
func (s *Session) checkInvariants() {
	if s.sessionID != 0 && s.handle == nil {
		panic("wds: non-zero session id while detached")
	}
}

// Attach registers the packet-service-status indication callback for this
// session.
func (s *Session) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}

	h, err := s.attacher.Attach(mct.ServiceWDS, s.clientID, s.onIndication, s)
	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "wds.Attach", err)
	}
	s.handle = h
	return nil
}

// Detach unregisters and detaches from the transport.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return nil
	}
	s.attacher.Detach(s.handle)
	s.handle = nil
	return nil
}

// TeardownRequested reports whether the indication callback has asked for
// teardown. It is safe to call from the Supervisor's monitor loop without
// holding any lock.
func (s *Session) TeardownRequested() bool {
	return s.teardownRequested.Load()
}

// GetAutoconnectSettings reads the current autoconnect/roam settings.
func (s *Session) GetAutoconnectSettings() (AutoconnectSetting, RoamSetting, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return 0, 0, qmierr.New(qmierr.TransportFailure, "wds.GetAutoconnectSettings", fmt.Errorf("not attached"))
	}

	resp, err := h.Request(mct.Message{MessageID: msgGetAutoconnect})
	if err != nil {
		return 0, 0, qmierr.New(qmierr.TransportFailure, "wds.GetAutoconnectSettings", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return 0, 0, err
	}
	if !result.Success {
		return 0, 0, qmierr.New(qmierr.ProtocolViolation, "wds.GetAutoconnectSettings", fmt.Errorf("error code %#04x", result.ErrorCode))
	}

	a, ok := mct.GetUint8(resp, tlvAutoconnectSetting)
	if !ok {
		return 0, 0, qmierr.New(qmierr.ProtocolViolation, "wds.GetAutoconnectSettings", fmt.Errorf("missing autoconnect TLV"))
	}
	r, ok := mct.GetUint8(resp, tlvRoamSetting)
	if !ok {
		return 0, 0, qmierr.New(qmierr.ProtocolViolation, "wds.GetAutoconnectSettings", fmt.Errorf("missing roam TLV"))
	}

	return AutoconnectSetting(a), RoamSetting(r), nil
}

// SetAutoconnectSettings writes setting/roam, first reading the current
// values; if both already match, no write is issued.
func (s *Session) SetAutoconnectSettings(setting AutoconnectSetting, roam RoamSetting) error {
	curSetting, curRoam, err := s.GetAutoconnectSettings()
	if err != nil {
		return err
	}

	if curSetting == setting && curRoam == roam {
		return nil
	}

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return qmierr.New(qmierr.TransportFailure, "wds.SetAutoconnectSettings", fmt.Errorf("not attached"))
	}

	req := mct.Message{MessageID: msgSetAutoconnect, TLVs: map[uint8][]byte{}}
	mct.PutUint8(req.TLVs, tlvAutoconnectSetting, uint8(setting))
	mct.PutUint8(req.TLVs, tlvRoamSetting, uint8(roam))

	resp, err := h.Request(req)
	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "wds.SetAutoconnectSettings", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return err
	}
	if !result.Success {
		return qmierr.New(qmierr.ProtocolViolation, "wds.SetAutoconnectSettings", fmt.Errorf("error code %#04x", result.ErrorCode))
	}
	return nil
}

// SetIPFamilyPreference sets which family this handle's subsequent session
// operations apply to.
func (s *Session) SetIPFamilyPreference() error {
	s.mu.Lock()
	h := s.handle
	fam := s.family
	s.mu.Unlock()

	if h == nil {
		return qmierr.New(qmierr.TransportFailure, "wds.SetIPFamilyPreference", fmt.Errorf("not attached"))
	}

	req := mct.Message{MessageID: msgSetIPFamily, TLVs: map[uint8][]byte{}}
	var famVal uint8
	if fam == V6 {
		famVal = 6
	} else {
		famVal = 4
	}
	mct.PutUint8(req.TLVs, tlvIPFamily, famVal)

	resp, err := h.Request(req)
	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "wds.SetIPFamilyPreference", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return err
	}
	if !result.Success {
		return qmierr.New(qmierr.ProtocolViolation, "wds.SetIPFamilyPreference", fmt.Errorf("error code %#04x", result.ErrorCode))
	}
	return nil
}

// StartResult carries the diagnostic fields the modem may return alongside
// an overall success or SessionRefused failure.
type StartResult struct {
	FailureReason     string
	VerboseReasonType uint16
	VerboseReason     uint16
	HasFailureReason  bool
	HasVerboseReason  bool
}

// StartDataSession records profile on the session, zeroes session_id, and
// issues the start call. On success the modem must return a session id
// (absence is a protocol error); failure-reason fields are surfaced even
// on success for diagnostic logging.
func (s *Session) StartDataSession(profile uint8) (StartResult, error) {
	s.mu.Lock()
	h := s.handle
	s.profileID = profile
	s.sessionID = 0
	s.mu.Unlock()

	if h == nil {
		return StartResult{}, qmierr.New(qmierr.TransportFailure, "wds.StartDataSession", fmt.Errorf("not attached"))
	}

	req := mct.Message{MessageID: msgStartSession, TLVs: map[uint8][]byte{}}
	mct.PutUint8(req.TLVs, tlvProfileID, profile)

	resp, err := h.Request(req)
	if err != nil {
		return StartResult{}, qmierr.New(qmierr.TransportFailure, "wds.StartDataSession", err)
	}

	result := StartResult{}
	if reason, ok := mct.GetString(resp, tlvFailureReason); ok {
		result.FailureReason = reason
		result.HasFailureReason = true
	}
	if vrt, ok := mct.GetUint16(resp, tlvVerboseReasonType); ok {
		if vr, ok2 := mct.GetUint16(resp, tlvVerboseReason); ok2 {
			result.VerboseReasonType = vrt
			result.VerboseReason = vr
			result.HasVerboseReason = true
		}
	}

	wireResult, err := mct.DecodeResult(resp)
	if err != nil {
		return result, qmierr.New(qmierr.SessionRefused, "wds.StartDataSession", err)
	}
	if !wireResult.Success {
		return result, qmierr.New(qmierr.SessionRefused, "wds.StartDataSession", fmt.Errorf("error code %#04x", wireResult.ErrorCode))
	}

	sid, ok := mct.GetUint32(resp, tlvSessionID)
	if !ok {
		return result, qmierr.New(qmierr.ProtocolViolation, "wds.StartDataSession", fmt.Errorf("missing session id on success"))
	}

	s.mu.Lock()
	s.sessionID = sid
	s.mu.Unlock()

	return result, nil
}

// StopDataSession uses the stored session_id. A "no effect" response (the
// session was already gone) is treated as success.
func (s *Session) StopDataSession() error {
	s.mu.Lock()
	h := s.handle
	sid := s.sessionID
	s.mu.Unlock()

	if h == nil {
		return qmierr.New(qmierr.TransportFailure, "wds.StopDataSession", fmt.Errorf("not attached"))
	}

	if sid == 0 {
		return nil
	}

	req := mct.Message{MessageID: msgStopSession, TLVs: map[uint8][]byte{}}
	mct.PutUint32(req.TLVs, tlvSessionID, sid)

	resp, err := h.Request(req)

	// The stop has been attempted; the session id's obligation is
	// discharged whether or not the modem liked it, so a following Detach
	// is legal even on the error paths below.
	s.mu.Lock()
	s.sessionID = 0
	s.mu.Unlock()

	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "wds.StopDataSession", err)
	}

	result, err := mct.DecodeResult(resp)
	if err != nil {
		return err
	}
	if !result.Success && result.ErrorCode != errorCodeNoEffect {
		return qmierr.New(qmierr.ProtocolViolation, "wds.StopDataSession", fmt.Errorf("error code %#04x", result.ErrorCode))
	}

	return nil
}

// GetRuntimeSettings requests the address and gateway fields only. For v4
// the prefix length is derived from the subnet mask; for v6 it is taken
// from the address TLV and cross-checked against the gateway TLV.
func (s *Session) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.Lock()
	h := s.handle
	fam := s.family
	s.mu.Unlock()

	if h == nil {
		return RuntimeSettings{}, qmierr.New(qmierr.TransportFailure, "wds.GetRuntimeSettings", fmt.Errorf("not attached"))
	}

	resp, err := h.Request(mct.Message{MessageID: msgGetRuntime})
	if err != nil {
		return RuntimeSettings{}, qmierr.New(qmierr.TransportFailure, "wds.GetRuntimeSettings", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return RuntimeSettings{}, err
	}
	if !result.Success {
		return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("error code %#04x", result.ErrorCode))
	}

	var rs RuntimeSettings

	if fam == V4 {
		addr, ok := mct.GetUint32(resp, tlvV4Address)
		if !ok {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing v4 address"))
		}
		gw, ok := mct.GetUint32(resp, tlvV4Gateway)
		if !ok {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing v4 gateway"))
		}
		mask, ok := mct.GetUint32(resp, tlvV4SubnetMask)
		if !ok {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing v4 subnet mask"))
		}

		prefix, perr := DeriveV4PrefixLength(mask)
		if perr != nil {
			return RuntimeSettings{}, perr
		}

		putBE32(rs.Address[:], addr)
		rs.AddressLen = 4
		putBE32(rs.Gateway[:], gw)
		rs.PrefixLength = prefix
	} else {
		addrBytes, ok := resp.TLVs[tlvV6Address]
		if !ok || len(addrBytes) < 16 {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing or short v6 address"))
		}
		addrPrefix, ok := mct.GetUint8(resp, tlvV6AddrPrefix)
		if !ok {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing v6 address prefix"))
		}
		gwBytes, ok := resp.TLVs[tlvV6Gateway]
		if !ok || len(gwBytes) < 16 {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing or short v6 gateway"))
		}
		gwPrefix, ok := mct.GetUint8(resp, tlvV6GwPrefix)
		if !ok {
			return RuntimeSettings{}, qmierr.New(qmierr.ProtocolViolation, "wds.GetRuntimeSettings", fmt.Errorf("missing v6 gateway prefix"))
		}

		// Address and gateway each carry a prefix length; a disagreement
		// is logged by the caller and the address's prefix wins.
		if addrPrefix != gwPrefix {
			rs.GatewayPrefixDisagreed = true
		}

		copy(rs.Address[:16], addrBytes[:16])
		rs.AddressLen = 16
		copy(rs.Gateway[:16], gwBytes[:16])
		rs.PrefixLength = int(addrPrefix)
	}

	s.mu.Lock()
	s.lastRuntime = rs
	s.mu.Unlock()

	return rs, nil
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// DeriveV4PrefixLength computes 32 - trailing_zero_bits(mask), after
// rejecting a non-contiguous mask: a malformed mask from the modem is a
// protocol violation, not something to coerce.
func DeriveV4PrefixLength(mask uint32) (int, error) {
	if mask != 0 && !isContiguousHighMask(mask) {
		return 0, qmierr.New(qmierr.ProtocolViolation, "wds.DeriveV4PrefixLength", fmt.Errorf("non-contiguous subnet mask %#08x", mask))
	}
	return bits.OnesCount32(mask), nil
}

// isContiguousHighMask reports whether mask is a run of 1 bits followed by
// a run of 0 bits (a legal IPv4 subnet mask).
func isContiguousHighMask(mask uint32) bool {
	inverted := ^mask
	return (inverted & (inverted + 1)) == 0
}

// onIndication parses a packet-service-status indication. It runs on an
// internal transport thread; its sole side effect on supervisor state is
// setting teardownRequested, and only for disconnects the host didn't
// cause itself.
func (s *Session) onIndication(ctx interface{}, msg mct.Message) {
	if msg.MessageID != msgPacketStatusInd {
		return
	}

	statusRaw, ok := mct.GetUint8(msg, tlvConnStatus)
	if !ok {
		return
	}
	status := ConnectionStatus(statusRaw)
	if status != StatusDisconnected {
		return
	}

	endReason, hasEndReason := mct.GetUint16(msg, tlvSessionEndReason)
	verboseType, hasVerboseType := mct.GetUint16(msg, tlvVerboseEndReason)
	verboseVal, hasVerboseVal := mct.GetUint16(msg, tlvVerboseEndReasonVal)

	hostInitiated := (hasEndReason && endReason == sessionEndReasonClientEnded) ||
		(hasVerboseType && hasVerboseVal && verboseType == verboseReasonTypeInternal && verboseVal == verboseReasonInternalClientEnd)

	if !hostInitiated {
		s.teardownRequested.Store(true)
	}
}
