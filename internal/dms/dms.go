// Package dms implements the device management service: modem operating
// mode control and static identity caching.
package dms

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/tj90241/modemd/internal/mct"
	"github.com/tj90241/modemd/internal/qmierr"
)

// OperationMode enumerates the modem's operating modes.
type OperationMode uint8

const (
	ModeOnline OperationMode = iota + 1
	ModeLowPower
	ModeFactoryTest
	ModeOffline
	ModeResetting
	ModePowerOff
	ModePersistentLowPower
	ModeOnlyLowPower
)

func (m OperationMode) String() string {
	switch m {
	case ModeOnline:
		return "ONLINE"
	case ModeLowPower:
		return "LOW_POWER"
	case ModeFactoryTest:
		return "FACTORY_TEST"
	case ModeOffline:
		return "OFFLINE"
	case ModeResetting:
		return "RESETTING"
	case ModePowerOff:
		return "POWER_OFF"
	case ModePersistentLowPower:
		return "PERSISTENT_LOW_POWER"
	case ModeOnlyLowPower:
		return "ONLY_LOW_POWER"
	default:
		return "UNKNOWN"
	}
}

// Wire message ids and TLV types, opaque to callers.
const (
	msgGetPower uint16 = 0x0001
	msgSetPower uint16 = 0x0002
	msgGetIDs   uint16 = 0x0003

	tlvOperationMode   uint8 = 0x10
	tlvHardwareControl uint8 = 0x11
	tlvRequestedMode   uint8 = 0x12
	tlvModelID         uint8 = 0x13

	mainClientID   uint8 = 1
	vendorClientID uint8 = 1
)

// State holds the main and vendor-extension service handles plus the
// cached model id. Attached on each outer supervisor loop iteration,
// detached at iteration end; the model id is retained across iterations
// unless the supervisor is exiting.
type State struct {
	mu syncutil.InvariantMutex // GUARDED_BY(mu): attached, modelID

	attacher mct.Attacher

	attached bool
	dms      mct.Requester
	vendor   mct.Requester

	modelID string
}

func New(attacher mct.Attacher) *State {
	s := &State{attacher: attacher}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants enforces: attached iff both dms and vendor handles are
// non-nil. modelID is not checked.
func (s *State) checkInvariants() {
	if s.attached && (s.dms == nil || s.vendor == nil) {
		panic("dms: attached but missing a service handle")
	}
	if !s.attached && (s.dms != nil || s.vendor != nil) {
		panic("dms: not attached but holding a service handle")
	}
}

// Attach attaches the vendor extension service (no indication callback)
// and the main DMS service (indication callback installed but may be a
// no-op). On first successful attach, caches model_id. Any failure unwinds
// cleanly.
func (s *State) Attach() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached {
		return nil
	}

	vendor, err := s.attacher.Attach(mct.ServiceVendorDMS, vendorClientID, nil, nil)
	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "dms.Attach(vendor)", err)
	}

	main, err := s.attacher.Attach(mct.ServiceDMS, mainClientID, noopIndication, nil)
	if err != nil {
		s.attacher.Detach(vendor)
		return qmierr.New(qmierr.TransportFailure, "dms.Attach(main)", err)
	}

	s.vendor = vendor
	s.dms = main
	s.attached = true

	if s.modelID == "" {
		modelID, ferr := fetchModelID(main)
		if ferr != nil {
			// Non-fatal: identity is a convenience, not required for
			// bring-up. Leave modelID empty and let a later iteration
			// retry.
			s.modelID = ""
		} else {
			s.modelID = modelID
		}
	}

	return nil
}

func noopIndication(ctx interface{}, msg mct.Message) {}

func fetchModelID(r mct.Requester) (string, error) {
	resp, err := r.Request(mct.Message{MessageID: msgGetIDs})
	if err != nil {
		return "", qmierr.New(qmierr.TransportFailure, "dms.fetchModelID", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", qmierr.New(qmierr.ProtocolViolation, "dms.fetchModelID", fmt.Errorf("error code %#04x", result.ErrorCode))
	}
	model, ok := mct.GetString(resp, tlvModelID)
	if !ok {
		return "", qmierr.New(qmierr.ProtocolViolation, "dms.fetchModelID", fmt.Errorf("missing model id TLV"))
	}
	return model, nil
}

// ModelID returns the cached identity, if any has been fetched yet.
func (s *State) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// PowerStatus is the result of GetPower.
type PowerStatus struct {
	Mode              OperationMode
	HardwareControlled bool
}

// GetPower returns (operation_mode, hardware_controlled_mode).
func (s *State) GetPower() (PowerStatus, error) {
	s.mu.Lock()
	dms := s.dms
	s.mu.Unlock()

	if dms == nil {
		return PowerStatus{}, qmierr.New(qmierr.TransportFailure, "dms.GetPower", fmt.Errorf("not attached"))
	}

	resp, err := dms.Request(mct.Message{MessageID: msgGetPower})
	if err != nil {
		return PowerStatus{}, qmierr.New(qmierr.TransportFailure, "dms.GetPower", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return PowerStatus{}, err
	}
	if !result.Success {
		return PowerStatus{}, qmierr.New(qmierr.ProtocolViolation, "dms.GetPower", fmt.Errorf("error code %#04x", result.ErrorCode))
	}

	modeRaw, ok := mct.GetUint8(resp, tlvOperationMode)
	if !ok {
		return PowerStatus{}, qmierr.New(qmierr.ProtocolViolation, "dms.GetPower", fmt.Errorf("missing operation mode TLV"))
	}
	hwControlled, _ := mct.GetBool(resp, tlvHardwareControl)

	return PowerStatus{Mode: OperationMode(modeRaw), HardwareControlled: hwControlled}, nil
}

// SetPower issues a set-power-mode request unless the modem is already in
// the requested state or reports a hardware-controlled lock, in which case
// it returns success with resulting_mode = current_mode without writing.
// If the post-write read-back disagrees with requested, it fails with
// ProtocolViolation.
func (s *State) SetPower(requested OperationMode) (OperationMode, error) {
	s.mu.Lock()
	dms := s.dms
	s.mu.Unlock()

	if dms == nil {
		return 0, qmierr.New(qmierr.TransportFailure, "dms.SetPower", fmt.Errorf("not attached"))
	}

	current, err := s.GetPower()
	if err != nil {
		return 0, err
	}

	if current.Mode == requested || current.HardwareControlled {
		return current.Mode, nil
	}

	req := mct.Message{MessageID: msgSetPower, TLVs: map[uint8][]byte{}}
	mct.PutUint8(req.TLVs, tlvRequestedMode, uint8(requested))

	resp, err := dms.Request(req)
	if err != nil {
		return 0, qmierr.New(qmierr.TransportFailure, "dms.SetPower", err)
	}
	result, err := mct.DecodeResult(resp)
	if err != nil {
		return 0, qmierr.New(qmierr.ModeRefused, "dms.SetPower", err)
	}
	if !result.Success {
		return 0, qmierr.New(qmierr.ModeRefused, "dms.SetPower", fmt.Errorf("error code %#04x", result.ErrorCode))
	}

	after, err := s.GetPower()
	if err != nil {
		return 0, err
	}

	if after.Mode != requested {
		return after.Mode, qmierr.New(qmierr.ProtocolViolation, "dms.SetPower", fmt.Errorf("read-back mode %v != requested %v", after.Mode, requested))
	}

	return after.Mode, nil
}

// Detach detaches both service handles. If deallocateCache is true,
// model_id is forgotten. If both detaches fail, the last error is
// reported but both are still attempted.
func (s *State) Detach(deallocateCache bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return nil
	}

	var lastErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				lastErr = qmierr.New(qmierr.TransportFailure, "dms.Detach(main)", fmt.Errorf("%v", r))
			}
		}()
		s.attacher.Detach(s.dms)
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				lastErr = qmierr.New(qmierr.TransportFailure, "dms.Detach(vendor)", fmt.Errorf("%v", r))
			}
		}()
		s.attacher.Detach(s.vendor)
	}()

	s.dms = nil
	s.vendor = nil
	s.attached = false

	if deallocateCache {
		s.modelID = ""
	}

	return lastErr
}
