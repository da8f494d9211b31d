package dms

import (
	"fmt"
	"testing"

	"github.com/tj90241/modemd/internal/mct"
	"github.com/tj90241/modemd/internal/qmierr"
)

// fakeRequester answers Request with whatever handle returns, counting
// calls so tests can assert a write was (or wasn't) skipped.
type fakeRequester struct {
	calls  int
	handle func(msg mct.Message) (mct.Message, error)
}

func (f *fakeRequester) Request(msg mct.Message) (mct.Message, error) {
	f.calls++
	return f.handle(msg)
}

// fakeAttacher routes Attach calls by service type to a preconfigured
// fakeRequester, and records every Detach call it receives.
type fakeAttacher struct {
	byService map[mct.ServiceType]*fakeRequester
	attachErr map[mct.ServiceType]error
	detached  []mct.Requester
}

func newFakeAttacher() *fakeAttacher {
	return &fakeAttacher{
		byService: map[mct.ServiceType]*fakeRequester{},
		attachErr: map[mct.ServiceType]error{},
	}
}

func (f *fakeAttacher) Attach(service mct.ServiceType, clientID uint8, indication mct.IndicationFunc, ctx interface{}) (mct.Requester, error) {
	if err, ok := f.attachErr[service]; ok {
		return nil, err
	}
	r, ok := f.byService[service]
	if !ok {
		return nil, fmt.Errorf("no fake requester configured for service %d", service)
	}
	return r, nil
}

func (f *fakeAttacher) Detach(r mct.Requester) {
	f.detached = append(f.detached, r)
}

func successResp(tlvs map[uint8][]byte) mct.Message {
	if tlvs == nil {
		tlvs = map[uint8][]byte{}
	}
	mct.PutResult(tlvs, true, 0)
	return mct.Message{TLVs: tlvs}
}

func failureResp(errorCode uint16) mct.Message {
	tlvs := map[uint8][]byte{}
	mct.PutResult(tlvs, false, errorCode)
	return mct.Message{TLVs: tlvs}
}

// attachableFakes wires up a fakeAttacher with working vendor and main DMS
// requesters, the main one answering GetIDs with modelID.
func attachableFakes(modelID string) (*fakeAttacher, *fakeRequester) {
	a := newFakeAttacher()
	a.byService[mct.ServiceVendorDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return successResp(nil), nil
	}}
	main := &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		if msg.MessageID == msgGetIDs {
			tlvs := map[uint8][]byte{tlvModelID: []byte(modelID)}
			return successResp(tlvs), nil
		}
		return mct.Message{}, fmt.Errorf("unexpected message id %#04x", msg.MessageID)
	}}
	a.byService[mct.ServiceDMS] = main
	return a, main
}

func TestAttachFetchesModelIDOnFirstSuccess(t *testing.T) {
	a, _ := attachableFakes("MDM9207")

	s := New(a)
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := s.ModelID(); got != "MDM9207" {
		t.Errorf("ModelID() = %q, want %q", got, "MDM9207")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	a, main := attachableFakes("MDM9207")

	s := New(a)
	if err := s.Attach(); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	if err := s.Attach(); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if main.calls != 1 {
		t.Errorf("main requester called %d times across two Attach calls, want 1 (GetIDs fetched once)", main.calls)
	}
}

func TestAttachUnwindsVendorOnMainAttachFailure(t *testing.T) {
	a := newFakeAttacher()
	a.byService[mct.ServiceVendorDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return successResp(nil), nil
	}}
	a.attachErr[mct.ServiceDMS] = fmt.Errorf("main attach refused")

	s := New(a)
	err := s.Attach()
	if err == nil {
		t.Fatal("Attach succeeded, want an error")
	}
	if len(a.detached) != 1 {
		t.Fatalf("detached %d handles, want exactly the vendor handle unwound", len(a.detached))
	}
	if s.ModelID() != "" {
		t.Errorf("ModelID() = %q after failed Attach, want empty", s.ModelID())
	}
}

func TestAttachToleratesModelIDFetchFailure(t *testing.T) {
	a := newFakeAttacher()
	a.byService[mct.ServiceVendorDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return successResp(nil), nil
	}}
	a.byService[mct.ServiceDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return mct.Message{}, fmt.Errorf("transport hiccup")
	}}

	s := New(a)
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v, want success even though model id fetch failed", err)
	}
	if s.ModelID() != "" {
		t.Errorf("ModelID() = %q, want empty after a failed fetch", s.ModelID())
	}
}

func TestGetPowerDecodesModeAndHardwareControl(t *testing.T) {
	a := newFakeAttacher()
	a.byService[mct.ServiceVendorDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return successResp(nil), nil
	}}
	a.byService[mct.ServiceDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		switch msg.MessageID {
		case msgGetIDs:
			return successResp(map[uint8][]byte{tlvModelID: []byte("x")}), nil
		case msgGetPower:
			tlvs := map[uint8][]byte{}
			mct.PutUint8(tlvs, tlvOperationMode, uint8(ModeOnline))
			mct.PutBool(tlvs, tlvHardwareControl, true)
			return successResp(tlvs), nil
		default:
			return mct.Message{}, fmt.Errorf("unexpected message %#04x", msg.MessageID)
		}
	}}

	s := New(a)
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	status, err := s.GetPower()
	if err != nil {
		t.Fatalf("GetPower: %v", err)
	}
	if status.Mode != ModeOnline || !status.HardwareControlled {
		t.Errorf("GetPower() = %+v, want {Mode: ONLINE, HardwareControlled: true}", status)
	}
}

// dmsFixture builds an attached State whose main DMS requester is driven by
// a caller-supplied power-mode cell, so SetPower's read-modify-read-back
// sequence can be scripted precisely.
type dmsFixture struct {
	state          *State
	mode           OperationMode
	hardwareLocked bool
	setPowerCalls  int
	setPowerResp   func(requested OperationMode) mct.Message
}

func newDMSFixture(t *testing.T, initialMode OperationMode) *dmsFixture {
	t.Helper()
	f := &dmsFixture{mode: initialMode}

	a := newFakeAttacher()
	a.byService[mct.ServiceVendorDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		return successResp(nil), nil
	}}
	a.byService[mct.ServiceDMS] = &fakeRequester{handle: func(msg mct.Message) (mct.Message, error) {
		switch msg.MessageID {
		case msgGetIDs:
			return successResp(map[uint8][]byte{tlvModelID: []byte("x")}), nil
		case msgGetPower:
			tlvs := map[uint8][]byte{}
			mct.PutUint8(tlvs, tlvOperationMode, uint8(f.mode))
			mct.PutBool(tlvs, tlvHardwareControl, f.hardwareLocked)
			return successResp(tlvs), nil
		case msgSetPower:
			f.setPowerCalls++
			requested, _ := mct.GetUint8(msg, tlvRequestedMode)
			if f.setPowerResp != nil {
				return f.setPowerResp(OperationMode(requested)), nil
			}
			f.mode = OperationMode(requested)
			return successResp(nil), nil
		default:
			return mct.Message{}, fmt.Errorf("unexpected message %#04x", msg.MessageID)
		}
	}}

	f.state = New(a)
	if err := f.state.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return f
}

func TestSetPowerSkipsWriteWhenAlreadyInRequestedMode(t *testing.T) {
	f := newDMSFixture(t, ModeOnline)

	mode, err := f.state.SetPower(ModeOnline)
	if err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if mode != ModeOnline {
		t.Errorf("SetPower returned %v, want ONLINE", mode)
	}
	if f.setPowerCalls != 0 {
		t.Errorf("SetPower issued %d set-power wire calls, want 0 (already in requested mode)", f.setPowerCalls)
	}
}

func TestSetPowerSkipsWriteWhenHardwareLocked(t *testing.T) {
	f := newDMSFixture(t, ModeLowPower)
	f.hardwareLocked = true

	mode, err := f.state.SetPower(ModeOnline)
	if err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if mode != ModeLowPower {
		t.Errorf("SetPower returned %v, want the current (locked) mode LOW_POWER", mode)
	}
	if f.setPowerCalls != 0 {
		t.Errorf("SetPower issued %d set-power wire calls, want 0 (hardware locked)", f.setPowerCalls)
	}
}

func TestSetPowerWritesAndReadsBack(t *testing.T) {
	f := newDMSFixture(t, ModeLowPower)

	mode, err := f.state.SetPower(ModeOnline)
	if err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if mode != ModeOnline {
		t.Errorf("SetPower returned %v, want ONLINE", mode)
	}
	if f.setPowerCalls != 1 {
		t.Errorf("SetPower issued %d set-power wire calls, want 1", f.setPowerCalls)
	}
}

func TestSetPowerReadBackMismatchIsProtocolViolation(t *testing.T) {
	f := newDMSFixture(t, ModeLowPower)
	f.setPowerResp = func(requested OperationMode) mct.Message {
		// Accept the write but never actually change mode.
		return successResp(nil)
	}

	_, err := f.state.SetPower(ModeOnline)
	if !qmierr.Is(err, qmierr.ProtocolViolation) {
		t.Fatalf("SetPower with a disagreeing read-back: got %v, want ProtocolViolation", err)
	}
}

func TestSetPowerRefusalIsModeRefused(t *testing.T) {
	f := newDMSFixture(t, ModeLowPower)
	f.setPowerResp = func(requested OperationMode) mct.Message {
		return failureResp(0x0001)
	}

	_, err := f.state.SetPower(ModeOnline)
	if !qmierr.Is(err, qmierr.ModeRefused) {
		t.Fatalf("SetPower refused by the modem: got %v, want ModeRefused", err)
	}
}

func TestDetachClearsHandlesAndOptionallyCache(t *testing.T) {
	a, _ := attachableFakes("MDM9207")
	s := New(a)
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := s.Detach(false); err != nil {
		t.Fatalf("Detach(false): %v", err)
	}
	if len(a.detached) != 2 {
		t.Errorf("detached %d handles, want 2 (main and vendor)", len(a.detached))
	}
	if s.ModelID() != "MDM9207" {
		t.Errorf("ModelID() = %q after Detach(false), want cache retained", s.ModelID())
	}

	// A second, freshly attached State exercises deallocateCache: after
	// Detach(true) the cached model id is gone.
	a2, _ := attachableFakes("MDM9207")
	s2 := New(a2)
	if err := s2.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s2.Detach(true); err != nil {
		t.Fatalf("Detach(true): %v", err)
	}
	if s2.ModelID() != "" {
		t.Errorf("ModelID() = %q after Detach(true), want cache cleared", s2.ModelID())
	}
}

func TestDetachWhenNotAttachedIsNoop(t *testing.T) {
	a := newFakeAttacher()
	s := New(a)
	if err := s.Detach(false); err != nil {
		t.Errorf("Detach on a never-attached State: %v, want nil", err)
	}
	if len(a.detached) != 0 {
		t.Errorf("Detach on a never-attached State issued %d detaches, want 0", len(a.detached))
	}
}
