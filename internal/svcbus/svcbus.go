// Package svcbus implements systemd unit start/stop over D-Bus, and the
// tunnel configuration subprocess runner.
package svcbus

import (
	"fmt"
	"os/exec"

	"github.com/godbus/dbus/v5"

	"github.com/tj90241/modemd/internal/qmierr"
)

// Fixed bus coordinates.
const (
	busName       = "org.freedesktop.systemd1"
	objectPath    = "/org/freedesktop/systemd1"
	managerIface  = "org.freedesktop.systemd1.Manager"
	conflictMode  = "replace"
)

// Managed unit names.
const (
	ChronyUnit  = "chrony.service"
	UnboundUnit = "unbound.service"
)

// Verb selects which systemd manager method to call.
type Verb int

const (
	Start Verb = iota
	Stop
)

// Client is the Service Bus Client: a thin wrapper over a D-Bus
// connection to systemd's manager object.
type Client struct {
	conn *dbus.Conn
}

// Dial connects to the system bus.
func Dial() (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, qmierr.New(qmierr.HostFailure, "svcbus.Dial", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ManageService issues StartUnit or StopUnit for unitName with "replace"
// conflict resolution.
func (c *Client) ManageService(verb Verb, unitName string) error {
	if c.conn == nil {
		return qmierr.New(qmierr.HostFailure, "svcbus.ManageService", fmt.Errorf("not connected"))
	}

	obj := c.conn.Object(busName, dbus.ObjectPath(objectPath))

	method := managerIface + ".StartUnit"
	if verb == Stop {
		method = managerIface + ".StopUnit"
	}

	var jobPath dbus.ObjectPath
	call := obj.Call(method, 0, unitName, conflictMode)
	if call.Err != nil {
		return qmierr.New(qmierr.HostFailure, "svcbus.ManageService", fmt.Errorf("%s(%s): %w", method, unitName, call.Err))
	}
	if err := call.Store(&jobPath); err != nil {
		return qmierr.New(qmierr.HostFailure, "svcbus.ManageService", fmt.Errorf("%s(%s) store reply: %w", method, unitName, err))
	}

	return nil
}

// Fixed tunnel configuration invocation.
const (
	wgBinary     = "/usr/bin/wg"
	wgConfigPath = "/etc/wireguard/wireguard.conf"
	wgInterface  = "wg0"
)

// RunTunnelConfig spawns `wg setconf wg0 /etc/wireguard/wireguard.conf`,
// waits for exit, and treats any abnormal termination as failure.
func RunTunnelConfig() error {
	cmd := exec.Command(wgBinary, "setconf", wgInterface, wgConfigPath)
	if err := cmd.Run(); err != nil {
		return qmierr.New(qmierr.HostFailure, "svcbus.RunTunnelConfig", err)
	}
	return nil
}
