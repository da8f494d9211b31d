package supervisor

import "time"

// Fixed carrier profile: 3GPP profile id 3, Verizon internet.
const CarrierProfileID uint8 = 3

// Fixed timings: the Phase D monitor tick and the Phase B retry backoff.
const (
	monitorTick  = 1 * time.Second
	backoffDelay = 10 * time.Second
)

// WDS client ids. Distinct ids let the v4 and v6 sessions, and the
// one-shot autoconnect configuration in Phase A, coexist as separate
// attachments to the same transport.
const (
	clientAutoconnect uint8 = 1
	clientV6          uint8 = 2
	clientV4          uint8 = 3
)
