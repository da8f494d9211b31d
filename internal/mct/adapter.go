package mct

// Requester is the narrow surface a service needs to issue requests: just
// enough to be faked in unit tests without a real device.
type Requester interface {
	Request(msg Message) (Message, error)
}

// Attacher is the narrow surface a service needs to attach/detach itself
// from the transport. DMS and WDS depend on this interface rather than the
// concrete *Transport so their tests can supply an in-memory fake.
type Attacher interface {
	Attach(service ServiceType, clientID uint8, indication IndicationFunc, ctx interface{}) (Requester, error)
	Detach(r Requester)
}

type attacherAdapter struct{ t *Transport }

// AsAttacher adapts a concrete *Transport to the Attacher interface.
func AsAttacher(t *Transport) Attacher { return attacherAdapter{t} }

func (a attacherAdapter) Attach(service ServiceType, clientID uint8, indication IndicationFunc, ctx interface{}) (Requester, error) {
	h, err := a.t.Attach(service, clientID, indication, ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a attacherAdapter) Detach(r Requester) {
	h, ok := r.(*ServiceHandle)
	if !ok {
		return
	}
	a.t.Detach(h)
}
