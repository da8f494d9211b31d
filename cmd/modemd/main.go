// Command modemd supervises a dual-stack cellular data connection through
// a single vendor modem, keeping host routing, a WireGuard tunnel, and two
// system services consistent with the state of that connection. It takes
// no configuration: one carrier profile, one pair of host interfaces, no
// flags, no config file, no environment variables.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tj90241/modemd/internal/dms"
	"github.com/tj90241/modemd/internal/hnm"
	"github.com/tj90241/modemd/internal/mct"
	"github.com/tj90241/modemd/internal/supervisor"
	"github.com/tj90241/modemd/internal/svcbus"
	"github.com/tj90241/modemd/internal/wds"
)

func main() {
	logger := log.New(os.Stderr, "modemd: ", log.Ldate|log.Ltime|log.Lmicroseconds)

	transport, err := mct.Open(logger)
	if err != nil {
		logger.Fatalf("open modem transport: %v", err)
	}
	attacher := mct.AsAttacher(transport)

	hostNet := hnm.New()
	if err := hostNet.Initialize(); err != nil {
		logger.Fatalf("initialize host network: %v", err)
	}

	bus, err := svcbus.Dial()
	if err != nil {
		logger.Fatalf("dial service bus: %v", err)
	}

	sv := supervisor.New(supervisor.Deps{
		Logger: logger,
		DMS:    dms.New(attacher),
		HNM:    hostNet,
		Bus:    bus,
		NewSession: func(family wds.Family, clientID uint8) supervisor.Session {
			return wds.New(attacher, family, clientID)
		},
		RunTunnel: svcbus.RunTunnelConfig,
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Printf("received signal %v, requesting shutdown", sig)
		sv.RequestExit()
	}()

	runErr := sv.Run()

	hostNet.Shutdown()
	if err := bus.Close(); err != nil {
		logger.Printf("close service bus: %v", err)
	}
	if err := transport.Close(); err != nil {
		logger.Printf("close modem transport: %v", err)
	}

	if runErr != nil {
		logger.Fatalf("supervisor exited with error: %v", runErr)
	}
}
