package lens

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	monitorEndpointPathEvents = "/lens.0/events"
	monitorMaxBodySize        = 64 * 1024 * 1024
)

// RemoteParam is a parameter binding snapshot sent by a RemoteForwarder.
type RemoteParam struct {
	Kind  ParamKind `msgpack:"k"`
	Field Field     `msgpack:"f"`
}

// RemoteEvent is the wire form of an Event. Values are sent as bounded snapshots, so the
// receiving side sees Field values in place of the original arguments and return values.
type RemoteEvent struct {
	Kind             EventKind     `msgpack:"k"`
	Goroutine        uint64        `msgpack:"g"`
	Symbol           string        `msgpack:"s"`
	File             string        `msgpack:"f"`
	FrameLine        int           `msgpack:"fl"`
	Line             int           `msgpack:"l"`
	Params           []RemoteParam `msgpack:"p,omitempty"`
	Return           *Field        `msgpack:"r,omitempty"`
	ExceptionType    string        `msgpack:"et,omitempty"`
	ExceptionMessage string        `msgpack:"em,omitempty"`
	Traceback        []StackFrame  `msgpack:"tb,omitempty"`
}

// RemoteException is the exception value of an event received from another process.
type RemoteException struct {
	Type    string
	Message string
}

func (e *RemoteException) Error() string {
	return e.Type + ": " + e.Message
}

// NewRemoteEvent snapshots an event for sending.
func NewRemoteEvent(ev *Event, opts SnapshotOptions) RemoteEvent {
	re := RemoteEvent{
		Kind:      ev.Kind,
		Goroutine: ev.Goroutine,
		Symbol:    ev.Frame.Symbol(),
		File:      ev.Frame.File(),
		FrameLine: ev.Frame.Line(),
		Line:      ev.Line,
	}
	if ev.Kind == EventCall && ev.Frame != nil {
		re.Params = make([]RemoteParam, len(ev.Frame.params))
		for i, p := range ev.Frame.params {
			re.Params[i] = RemoteParam{Kind: p.Kind, Field: Snapshot(p.Name, p.Value, opts)}
		}
	}
	if ev.Kind == EventReturn {
		ret := Snapshot("", ev.ReturnValue, opts)
		re.Return = &ret
	}
	if ev.Exception != nil {
		re.ExceptionType = ev.Exception.Type
		re.ExceptionMessage = fmt.Sprint(ev.Exception.Value)
		re.Traceback = ev.Exception.Traceback
	}
	return re
}

// Event rebuilds the event for dispatch to local observers. Parameter and return values are Field
// snapshots.
func (re RemoteEvent) Event() *Event {
	params := make([]Param, len(re.Params))
	for i, p := range re.Params {
		params[i] = Param{Name: p.Field.Name, Kind: p.Kind, Value: p.Field}
	}
	ev := &Event{
		Kind:      re.Kind,
		Frame:     NewFrame(re.Symbol, re.File, re.FrameLine, params...),
		Goroutine: re.Goroutine,
		Line:      re.Line,
	}
	if re.Return != nil {
		ev.ReturnValue = *re.Return
	}
	if re.Kind == EventException {
		ev.Exception = &ExceptionInfo{
			Type:      re.ExceptionType,
			Value:     &RemoteException{Type: re.ExceptionType, Message: re.ExceptionMessage},
			Traceback: re.Traceback,
		}
	}
	return ev
}

// EncodeRemoteEvents marshals and compresses an event batch.
func EncodeRemoteEvents(encoding string, events []RemoteEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	if err := enc.Encode(events); err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}
	return compressPayload(encoding, buf.Bytes())
}

// DecodeRemoteEvents reverses EncodeRemoteEvents.
func DecodeRemoteEvents(encoding string, data []byte) ([]RemoteEvent, error) {
	b, err := decompressPayload(encoding, data)
	if err != nil {
		return nil, err
	}
	var events []RemoteEvent
	if err := msgpack.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// MonitorServer receives event batches from RemoteForwarder observers in other processes and emits
// them to its installed hooks. It is an EventSource, use it with WithSource to trace a remote
// process with local tracers.
type MonitorServer struct {
	server   *http.Server
	listener net.Listener
	err      atomic.Pointer[error]
	hooks    hookSource
	received atomic.Int64
}

// StartMonitorServer starts a MonitorServer listening on host:port, port 0 selects a free port.
func StartMonitorServer(host string, port int) (*MonitorServer, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor server listen failed: %w", err)
	}
	mux := http.NewServeMux()
	s := &MonitorServer{listener: listener}
	mux.HandleFunc(monitorEndpointPathEvents, s.handleEvents)
	s.server = &http.Server{Addr: listener.Addr().String(), Handler: mux}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Printf("%sLens Monitor Server error: %v", ErrorLogPrefix, err)
		}
	}()
	wg.Wait()

	log.Printf("Lens Monitor started on %s", s.server.Addr)
	return s, s.errCheck()
}

func (s *MonitorServer) errCheck() error {
	errPtr := s.err.Load()
	if errPtr != nil {
		return *errPtr
	}
	return nil
}

// Port returns the port the server is listening on.
func (s *MonitorServer) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// URL returns the base URL forwarders should post to.
func (s *MonitorServer) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Received returns the number of events received so far.
func (s *MonitorServer) Received() int64 {
	return s.received.Load()
}

// Install adds a hook receiving every remote event.
func (s *MonitorServer) Install(h Hook) func() {
	return s.hooks.Install(h)
}

// Stop gracefully shuts down the server.
func (s *MonitorServer) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	return errors.Join(err, s.errCheck())
}

func (s *MonitorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, monitorMaxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := DecodeRemoteEvents(r.Header.Get("Content-Encoding"), body)
	if err != nil {
		log.Printf("%sFailed to decode remote events: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch := make([]*Event, len(events))
	for i, re := range events {
		batch[i] = re.Event()
	}
	s.hooks.deliverBatch(batch) // batches are not interleaved
	s.received.Add(int64(len(events)))

	w.WriteHeader(http.StatusOK)
}
