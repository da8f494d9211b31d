// Package supervisor implements the outer state machine that sequences
// host-interface preparation, modem power-on, IPv6-then-IPv4 session
// bring-up, kernel routing and tunnel installation, monitoring, and
// ordered teardown.
//
// A single owner acquires every resource in a fixed order, runs the
// monitor loop, and unwinds in strict reverse order on every exit path.
package supervisor

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/tj90241/modemd/internal/dms"
	"github.com/tj90241/modemd/internal/hnm"
	"github.com/tj90241/modemd/internal/svcbus"
	"github.com/tj90241/modemd/internal/wds"
)

// Supervisor drives the connection lifecycle: the one-shot prelude
// (Phase A), the outer retry loop (Phase B), session bring-up (Phase C),
// and monitoring (Phase D).
type Supervisor struct {
	logger *log.Logger
	clock  Clock

	dms         dmsService
	hnm         hostNetwork
	bus         serviceBus
	newSession  NewSessionFunc
	runTunnel   tunnelRunner

	// exitRequested is set by the external interrupt signal (via
	// RequestExit) and polled at cooperative points only.
	exitRequested atomic.Bool

	// fatalErr records the most recent fault that forced exitRequested.
	// Written only from the main thread; a signal-requested shutdown
	// leaves it nil so the process can exit cleanly.
	fatalErr error
}

// Deps bundles the collaborators a Supervisor orchestrates. Production
// callers build these from the mct/dms/hnm/svcbus/wds packages; tests
// build them from recording fakes.
type Deps struct {
	Logger     *log.Logger
	Clock      Clock
	DMS        dmsService
	HNM        hostNetwork
	Bus        serviceBus
	NewSession NewSessionFunc
	RunTunnel  tunnelRunner
}

func New(d Deps) *Supervisor {
	if d.Clock == nil {
		d.Clock = NewRealClock()
	}
	return &Supervisor{
		logger:     d.Logger,
		clock:      d.Clock,
		dms:        d.DMS,
		hnm:        d.HNM,
		bus:        d.Bus,
		newSession: d.NewSession,
		runTunnel:  d.RunTunnel,
	}
}

// RequestExit sets exit_requested. Safe to call from a signal handler.
func (sv *Supervisor) RequestExit() {
	sv.exitRequested.Store(true)
}

func (sv *Supervisor) exiting() bool {
	return sv.exitRequested.Load()
}

// fail records err as the reason this process cannot continue and requests
// exit. Only called from the main thread.
func (sv *Supervisor) fail(err error) {
	sv.fatalErr = err
	sv.exitRequested.Store(true)
}

func (sv *Supervisor) logf(format string, args ...interface{}) {
	if sv.logger != nil {
		sv.logger.Printf(format, args...)
	}
}

// Run executes Phase A once, then Phase B until exit_requested. It returns
// nil on orderly shutdown, or the last fault-triggering error otherwise.
func (sv *Supervisor) Run() error {
	if err := sv.phaseA(); err != nil {
		sv.logf("supervisor: phase A failed: %v", err)
		return err
	}

	for !sv.exiting() {
		sv.runIteration()
	}

	return sv.fatalErr
}

// phaseA is the one-shot prelude: ensure the tunnel link is down, and
// configure autoconnect off (this daemon asserts control over bring-up
// sequencing and refuses to race the firmware).
func (sv *Supervisor) phaseA() error {
	if err := sv.hnm.EnsureInterfaceState(hnm.TunnelLinkName, false); err != nil {
		return err
	}

	session := sv.newSession(wds.V4, clientAutoconnect)
	if err := session.Attach(); err != nil {
		return err
	}
	err := session.SetAutoconnectSettings(wds.AutoconnectDisabled, wds.RoamHomeOnly)
	if derr := session.Detach(); derr != nil {
		sv.logf("supervisor: phase A autoconnect session detach: %v", derr)
	}
	return err
}

// runIteration is one pass of the outer loop (Phase B): prepare the host,
// bring the modem online, run Phase C, then tear everything back down.
func (sv *Supervisor) runIteration() {
	if err := sv.hnm.ReloadLinkCache(); err != nil {
		sv.logf("supervisor: reload link cache: %v", err)
		sv.fail(err)
		return
	}

	if err := sv.stopDNSAndTime(); err != nil {
		sv.logf("supervisor: pre-bringup service stop: %v", err)
		sv.fail(err)
		return
	}

	if err := sv.hnm.EnsureInterfaceState(hnm.WwanLinkName, true); err != nil {
		sv.logf("supervisor: wwan up: %v", err)
		sv.fail(err)
		return
	}

	if err := sv.hnm.FlushAddresses(); err != nil {
		sv.logf("supervisor: flush addresses: %v", err)
		sv.fail(err)
		return
	}

	if err := sv.dms.Attach(); err != nil {
		sv.logf("supervisor: dms attach: %v", err)
		sv.fail(err)
	} else {
		sv.bringUpAndMonitor()

		if err := sv.dms.Detach(sv.exiting()); err != nil {
			sv.logf("supervisor: dms detach: %v", err)
			sv.fail(err)
		}
	}

	sv.teardownIteration()
}

// bringUpAndMonitor holds the modem online and runs Phase C; it never
// itself sets exit_requested for a ModeRefused or radio/session fault.
func (sv *Supervisor) bringUpAndMonitor() {
	mode, err := sv.dms.SetPower(dms.ModeOnline)
	if err != nil {
		sv.logf("supervisor: set power online: %v", err)
		return
	}
	if mode != dms.ModeOnline {
		sv.logf("supervisor: resulting mode %v != ONLINE, failing iteration", mode)
		return
	}

	if id := sv.dms.ModelID(); id != "" {
		sv.logf("supervisor: modem %q online", id)
	}

	sv.runPhaseC()
}

// teardownIteration is steps 7-9 of Phase B: always run, regardless of how
// the iteration got here.
func (sv *Supervisor) teardownIteration() {
	if err := sv.hnm.ReloadLinkCache(); err != nil {
		sv.logf("supervisor: teardown reload link cache: %v", err)
		sv.fail(err)
	}

	if err := sv.hnm.EnsureInterfaceState(hnm.WwanLinkName, false); err != nil {
		sv.logf("supervisor: wwan down: %v", err)
		sv.fail(err)
	}

	if err := sv.hnm.EnsureInterfaceState(hnm.TunnelLinkName, false); err != nil {
		sv.logf("supervisor: tunnel down: %v", err)
		sv.fail(err)
	}

	if err := sv.stopDNSAndTime(); err != nil {
		sv.logf("supervisor: final service stop: %v", err)
		sv.fail(err)
	}

	if !sv.exiting() {
		sv.clock.Sleep(backoffDelay)
	}
}

// stopDNSAndTime stops chrony then unbound, in that order.
func (sv *Supervisor) stopDNSAndTime() error {
	if err := sv.bus.ManageService(svcbus.Stop, svcbus.ChronyUnit); err != nil {
		return err
	}
	if err := sv.bus.ManageService(svcbus.Stop, svcbus.UnboundUnit); err != nil {
		return err
	}
	return nil
}

// runPhaseC brings up v6 then v4, starts the dependent services and
// tunnel, and monitors until a teardown condition, then tears down v4
// then v6 in reverse order.
func (sv *Supervisor) runPhaseC() {
	v6 := sv.newSession(wds.V6, clientV6)
	if err := v6.Attach(); err != nil {
		sv.logf("supervisor: v6 attach: %v", err)
		return
	}
	defer func() {
		if err := v6.Detach(); err != nil {
			sv.logf("supervisor: v6 detach: %v", err)
		}
	}()

	if !sv.startFamily(v6, wds.V6) {
		return
	}
	defer func() {
		if err := v6.StopDataSession(); err != nil {
			sv.logf("supervisor: stop v6 session: %v", err)
		}
	}()

	v6Settings, ok := sv.fetchRuntimeSettings(v6, wds.V6)
	if !ok {
		return
	}

	if err := sv.applyV6(v6Settings); err != nil {
		sv.logf("supervisor: apply v6 settings: %v", err)
		sv.fail(err)
		return
	}

	sv.runV4(v6)
}

// runV4 is the v4 half of Phase C, kept as a helper so the v6 session's
// stop/detach defers in runPhaseC stay in scope around it.
func (sv *Supervisor) runV4(v6 Session) {
	v4 := sv.newSession(wds.V4, clientV4)
	if err := v4.Attach(); err != nil {
		sv.logf("supervisor: v4 attach: %v", err)
		return
	}
	defer func() {
		if err := v4.Detach(); err != nil {
			sv.logf("supervisor: v4 detach: %v", err)
		}
	}()

	if !sv.startFamily(v4, wds.V4) {
		return
	}
	defer func() {
		if err := v4.StopDataSession(); err != nil {
			sv.logf("supervisor: stop v4 session: %v", err)
		}
	}()

	v4Settings, ok := sv.fetchRuntimeSettings(v4, wds.V4)
	if !ok {
		return
	}

	if err := sv.applyV4(v4Settings); err != nil {
		sv.logf("supervisor: apply v4 settings: %v", err)
		sv.fail(err)
		return
	}

	if !sv.startDependents() {
		return
	}

	sv.monitor(v4, v6)
}

// startFamily sets the IP family preference and starts the data session
// for sess. It does not set exit_requested on failure: the signal may
// simply be too weak; Phase B's backoff and retry is the remedy. Once it
// returns true the caller owes the session a StopDataSession attempt
// before detaching, on every path.
func (sv *Supervisor) startFamily(sess Session, family wds.Family) bool {
	if err := sess.SetIPFamilyPreference(); err != nil {
		sv.logf("supervisor: %v set ip family: %v", family, err)
		return false
	}

	result, err := sess.StartDataSession(CarrierProfileID)
	if err != nil {
		sv.logf("supervisor: %v start session failed: %v (failure_reason=%q verbose=%d/%d)",
			family, err, result.FailureReason, result.VerboseReasonType, result.VerboseReason)
		return false
	}
	if result.HasFailureReason || result.HasVerboseReason {
		sv.logf("supervisor: %v start session diagnostics: failure_reason=%q verbose=%d/%d",
			family, result.FailureReason, result.VerboseReasonType, result.VerboseReason)
	}

	return true
}

// fetchRuntimeSettings reads the session's runtime settings; a missing
// address or gateway is a session-layer fault for this iteration, not a
// reason to exit.
func (sv *Supervisor) fetchRuntimeSettings(sess Session, family wds.Family) (wds.RuntimeSettings, bool) {
	settings, err := sess.GetRuntimeSettings()
	if err != nil {
		sv.logf("supervisor: %v runtime settings: %v", family, err)
		return wds.RuntimeSettings{}, false
	}
	return settings, true
}

func (sv *Supervisor) applyV6(settings wds.RuntimeSettings) error {
	if settings.GatewayPrefixDisagreed {
		sv.logf("supervisor: v6 address/gateway prefix disagreement; using address prefix %d", settings.PrefixLength)
	}

	addr := net.IP(append([]byte(nil), settings.Address[:16]...))
	gw := net.IP(append([]byte(nil), settings.Gateway[:16]...))

	if err := sv.hnm.AddV6Address(addr, settings.PrefixLength); err != nil {
		return err
	}
	return sv.hnm.ChangeV6DefaultGateway(addr, gw, settings.PrefixLength)
}

func (sv *Supervisor) applyV4(settings wds.RuntimeSettings) error {
	addr := net.IP(append([]byte(nil), settings.Address[:4]...))
	gw := net.IP(append([]byte(nil), settings.Gateway[:4]...))

	return sv.hnm.EnsureV4ConfigurationIsApplied(addr, settings.PrefixLength, gw)
}

// startDependents starts unbound, runs the tunnel subprocess, brings the
// tunnel up, installs tunnel routes, then starts chrony. A tunnel-path
// failure does not set exit_requested (radio/session-adjacent: retry via
// Phase B may fix it); a failure starting unbound or chrony does, since
// this daemon cannot guarantee DNS/time correctness otherwise.
func (sv *Supervisor) startDependents() bool {
	if err := sv.bus.ManageService(svcbus.Start, svcbus.UnboundUnit); err != nil {
		sv.logf("supervisor: start unbound: %v", err)
		sv.fail(err)
		return false
	}

	if err := sv.runTunnel(); err != nil {
		sv.logf("supervisor: tunnel setconf: %v", err)
		return false
	}

	if err := sv.hnm.EnsureInterfaceState(hnm.TunnelLinkName, true); err != nil {
		sv.logf("supervisor: tunnel up: %v", err)
		return false
	}

	if err := sv.hnm.EnsureTunnelRoutes(); err != nil {
		sv.logf("supervisor: tunnel routes: %v", err)
		return false
	}

	if err := sv.bus.ManageService(svcbus.Start, svcbus.ChronyUnit); err != nil {
		sv.logf("supervisor: start chrony: %v", err)
		sv.fail(err)
		return false
	}

	return true
}

// monitor is Phase D: sleep in one-second quanta while none of
// exit_requested, v4.teardown_requested, v6.teardown_requested are set.
func (sv *Supervisor) monitor(v4, v6 Session) {
	for {
		if sv.exiting() || v4.TeardownRequested() || v6.TeardownRequested() {
			return
		}
		sv.clock.Sleep(monitorTick)
	}
}
