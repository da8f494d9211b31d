package supervisor

import (
	"net"

	"github.com/tj90241/modemd/internal/dms"
	"github.com/tj90241/modemd/internal/svcbus"
	"github.com/tj90241/modemd/internal/wds"
)

// dmsService is the surface the Supervisor needs from DMS. *dms.State
// satisfies it; tests supply a recording fake.
type dmsService interface {
	Attach() error
	SetPower(dms.OperationMode) (dms.OperationMode, error)
	Detach(deallocateCache bool) error
	ModelID() string
}

// hostNetwork is the surface the Supervisor needs from HNM. *hnm.State
// satisfies it.
type hostNetwork interface {
	ReloadLinkCache() error
	EnsureInterfaceState(linkName string, up bool) error
	EnsureV4ConfigurationIsApplied(addr net.IP, prefix int, gateway net.IP) error
	ChangeV6DefaultGateway(source, gateway net.IP, prefix int) error
	AddV6Address(addr net.IP, prefix int) error
	FlushAddresses() error
	EnsureTunnelRoutes() error
}

// serviceBus is the surface the Supervisor needs from the systemd D-Bus
// client. *svcbus.Client satisfies it.
type serviceBus interface {
	ManageService(verb svcbus.Verb, unitName string) error
}

// Session is the surface the Supervisor needs from a single family's
// WDS session. *wds.Session satisfies it.
type Session interface {
	Attach() error
	Detach() error
	SetAutoconnectSettings(setting wds.AutoconnectSetting, roam wds.RoamSetting) error
	SetIPFamilyPreference() error
	StartDataSession(profile uint8) (wds.StartResult, error)
	StopDataSession() error
	GetRuntimeSettings() (wds.RuntimeSettings, error)
	TeardownRequested() bool
}

// NewSessionFunc builds a new Session for the given family/client id.
// Sessions are created fresh per family per outer iteration and destroyed
// before the iteration ends.
type NewSessionFunc func(family wds.Family, clientID uint8) Session

// tunnelRunner invokes the tunnel configuration subprocess.
type tunnelRunner func() error
