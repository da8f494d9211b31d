// Package mct implements the modem control transport: the opaque
// request/response channel to the modem device node, and per-service
// indication dispatch.
//
// The transport opens a fixed device node, recycles request-encoding
// buffers through a free-list, and runs a single reader loop that either
// completes a pending request or dispatches an unsolicited indication to
// whichever service registered for it.
package mct

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"

	"github.com/tj90241/modemd/internal/qmierr"
)

// DevicePath is the fixed QMI character device node.
const DevicePath = "/dev/wwan0qmi0"

// ServiceType identifies which modem service a message or attachment
// belongs to.
type ServiceType uint8

const (
	ServiceDMS       ServiceType = 2
	ServiceWDS       ServiceType = 1
	ServiceVendorDMS ServiceType = 0xE0
)

// Message is a single opaque request, response, or indication. TLVs is
// keyed by wire type byte; values are the raw TLV payload.
type Message struct {
	Service       ServiceType
	ClientID      uint8
	TransactionID uint16
	MessageID     uint16
	TLVs          map[uint8][]byte
}

// IndicationFunc is delivered verbatim every indication addressed to the
// service handle it was registered against. ctx is the context value
// supplied at Attach time, returned unmodified on every call.
type IndicationFunc func(ctx interface{}, msg Message)

// ServiceHandle is a typed attachment to the Transport.
type ServiceHandle struct {
	t        *Transport
	service  ServiceType
	clientID uint8

	indication IndicationFunc
	ctx        interface{}
}

// Transport is the control transport handle. Exactly one exists
// process-wide; created before any service is initialized; torn down
// last.
type Transport struct {
	dev *os.File

	logger *log.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handles  map[uint64]*ServiceHandle // key: service<<8 | clientID
	pending  map[uint16]chan Message
	nextTxID uint32

	closed atomic.Bool
}

// Open opens the fixed QMI device node in direct-interface mode and starts
// the reader goroutine. The caller must eventually call Close, and only
// after every attached service has been detached: a service outliving the
// transport is a programmer error, not a runtime-handled condition.
func Open(logger *log.Logger) (*Transport, error) {
	fd, err := unix.Open(DevicePath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, qmierr.New(qmierr.TransportFailure, "mct.Open", err)
	}

	dev := os.NewFile(uintptr(fd), DevicePath)
	t := &Transport{
		dev:     dev,
		logger:  logger,
		handles: make(map[uint64]*ServiceHandle),
		pending: make(map[uint16]chan Message),
	}

	go t.readLoop()
	return t, nil
}

func handleKey(service ServiceType, clientID uint8) uint64 {
	return uint64(service)<<8 | uint64(clientID)
}

// Attach registers a new client of the given service, with an optional
// indication callback and a context value delivered verbatim on every
// indication for this service/client pair.
func (t *Transport) Attach(service ServiceType, clientID uint8, indication IndicationFunc, ctx interface{}) (*ServiceHandle, error) {
	if t.closed.Load() {
		return nil, qmierr.New(qmierr.TransportFailure, "mct.Attach", fmt.Errorf("transport closed"))
	}

	h := &ServiceHandle{t: t, service: service, clientID: clientID, indication: indication, ctx: ctx}

	t.mu.Lock()
	t.handles[handleKey(service, clientID)] = h
	t.mu.Unlock()

	return h, nil
}

// Detach unregisters a service handle. Any subsequent indication for this
// service/client pair is logged and dropped.
func (t *Transport) Detach(h *ServiceHandle) {
	t.mu.Lock()
	delete(t.handles, handleKey(h.service, h.clientID))
	t.mu.Unlock()
}

// Close tears down the transport. All services must already have been
// detached.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.dev.Close()

	t.mu.Lock()
	for txID, ch := range t.pending {
		close(ch)
		delete(t.pending, txID)
	}
	t.mu.Unlock()

	if err != nil {
		return qmierr.New(qmierr.TransportFailure, "mct.Close", err)
	}
	return nil
}

// Request sends msg and blocks for the matching response. The transaction
// id on msg is assigned by Request and need not be set by the caller.
func (h *ServiceHandle) Request(msg Message) (Message, error) {
	return h.t.request(h.service, h.clientID, msg)
}

// request is traced with reqtrace: one span per modem round trip, named
// by service and message id, reported with whatever error the round trip
// produced.
func (t *Transport) request(service ServiceType, clientID uint8, msg Message) (resp Message, err error) {
	_, report := reqtrace.StartSpan(context.Background(), fmt.Sprintf("mct: service=%d message=%#04x", service, msg.MessageID))
	defer func() { report(err) }()

	if t.closed.Load() {
		return Message{}, qmierr.New(qmierr.TransportFailure, "mct.request", fmt.Errorf("transport closed"))
	}

	txID := uint16(atomic.AddUint32(&t.nextTxID, 1))
	if txID == 0 {
		// Transaction id 0 marks an indication on the wire; skip it when
		// the counter wraps.
		txID = uint16(atomic.AddUint32(&t.nextTxID, 1))
	}
	msg.Service = service
	msg.ClientID = clientID
	msg.TransactionID = txID

	respCh := make(chan Message, 1)
	t.mu.Lock()
	t.pending[txID] = respCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, txID)
		t.mu.Unlock()
	}()

	if err := t.writeMessage(msg); err != nil {
		return Message{}, qmierr.New(qmierr.TransportFailure, "mct.request", err)
	}

	resp, ok := <-respCh
	if !ok {
		return Message{}, qmierr.New(qmierr.TransportFailure, "mct.request", fmt.Errorf("transport closed awaiting response"))
	}
	return resp, nil
}

// encodeBufPool is a free-list of frame buffers so a steady stream of
// requests doesn't allocate a fresh header+body slice per call. Buffers
// are borrowed in encodeMessage and returned in writeMessage once the
// frame has been written.
var encodeBufPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 256) },
}

func getEncodeBuffer() []byte {
	return encodeBufPool.Get().([]byte)[:0]
}

func putEncodeBuffer(buf []byte) {
	encodeBufPool.Put(buf)
}

func (t *Transport) writeMessage(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := encodeMessage(msg)
	_, err := t.dev.Write(buf)
	putEncodeBuffer(buf)
	return err
}

// encodeMessage borrows a pooled buffer and fills it in place: an 8-byte
// header reserved up front, TLVs appended after, then the body length
// backfilled into the header once it's known. The caller returns the
// buffer to the pool via putEncodeBuffer once the write completes.
func encodeMessage(msg Message) []byte {
	buf := getEncodeBuffer()
	buf = append(buf, make([]byte, 8)...)

	for tlvType, val := range msg.TLVs {
		var hdr [3]byte
		hdr[0] = tlvType
		binary.LittleEndian.PutUint16(hdr[1:], uint16(len(val)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, val...)
	}

	bodyLen := len(buf) - 8
	buf[0] = byte(msg.Service)
	buf[1] = msg.ClientID
	binary.LittleEndian.PutUint16(buf[2:4], msg.TransactionID)
	binary.LittleEndian.PutUint16(buf[4:6], msg.MessageID)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(bodyLen))

	return buf
}

func decodeMessage(buf []byte) (Message, error) {
	if len(buf) < 8 {
		return Message{}, fmt.Errorf("short frame: %d bytes", len(buf))
	}

	msg := Message{
		Service:       ServiceType(buf[0]),
		ClientID:      buf[1],
		TransactionID: binary.LittleEndian.Uint16(buf[2:4]),
		MessageID:     binary.LittleEndian.Uint16(buf[4:6]),
		TLVs:          make(map[uint8][]byte),
	}

	bodyLen := int(binary.LittleEndian.Uint16(buf[6:8]))
	body := buf[8:]
	if len(body) < bodyLen {
		return Message{}, fmt.Errorf("truncated body: want %d, have %d", bodyLen, len(body))
	}

	off := 0
	for off < bodyLen {
		if off+3 > bodyLen {
			return Message{}, fmt.Errorf("truncated TLV header at offset %d", off)
		}
		tlvType := body[off]
		tlvLen := int(binary.LittleEndian.Uint16(body[off+1 : off+3]))
		off += 3
		if off+tlvLen > bodyLen {
			return Message{}, fmt.Errorf("truncated TLV value at offset %d", off)
		}
		val := make([]byte, tlvLen)
		copy(val, body[off:off+tlvLen])
		msg.TLVs[tlvType] = val
		off += tlvLen
	}

	return msg, nil
}

// readLoop reads frames from the device and either completes a pending
// request or dispatches an indication. It runs for the lifetime of the
// transport. frame is allocated once and reused for every read:
// decodeMessage copies every TLV value out of it before the next Read
// call can overwrite it, so a single long-lived buffer is sufficient on
// the read side; the write side borrows from a free-list instead.
func (t *Transport) readLoop() {
	frame := make([]byte, 1<<16)
	for {
		n, err := t.dev.Read(frame)
		if err != nil {
			if err == io.EOF || t.closed.Load() {
				return
			}
			t.logf("mct: read error: %v", err)
			return
		}

		msg, err := decodeMessage(frame[:n])
		if err != nil {
			t.logf("mct: malformed frame: %v", err)
			continue
		}

		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg Message) {
	// Completing a pending request happens under the lock so Close can't
	// close the channel between the lookup and the send; the channel is
	// buffered, so the send never blocks.
	t.mu.Lock()
	if respCh, isResponse := t.pending[msg.TransactionID]; isResponse {
		delete(t.pending, msg.TransactionID)
		respCh <- msg
		t.mu.Unlock()
		return
	}
	h := t.handles[handleKey(msg.Service, msg.ClientID)]
	t.mu.Unlock()

	if h == nil || h.indication == nil {
		t.logf("mct: indication for unattached service=%d client=%d message=%d dropped", msg.Service, msg.ClientID, msg.MessageID)
		return
	}

	h.indication(h.ctx, msg)
}

func (t *Transport) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
