package lens

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// MonitorEnvVar names the environment variable holding the monitor URL instrumented programs forward
// their events to.
const MonitorEnvVar = "LENS_MONITOR_URL"

var forwarderHttpClient = &http.Client{
	Transport: http.DefaultTransport,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return errors.New("redirect not allowed")
	},
	Timeout: 10 * time.Second,
}

// ForwarderOption configures a RemoteForwarder.
type ForwarderOption func(f *RemoteForwarder)

// WithEncoding sets the payload encoding, zstd by default.
func WithEncoding(encoding string) ForwarderOption {
	return func(f *RemoteForwarder) {
		f.encoding = encoding
	}
}

// WithHTTPClient replaces the client used to post events.
func WithHTTPClient(client *http.Client) ForwarderOption {
	return func(f *RemoteForwarder) {
		f.client = client
	}
}

// WithSnapshotOptions bounds the value snapshots sent for arguments and return values.
func WithSnapshotOptions(opts SnapshotOptions) ForwarderOption {
	return func(f *RemoteForwarder) {
		f.snapshot = opts
	}
}

// RemoteForwarder is an Observer that posts every event it receives to a MonitorServer.
type RemoteForwarder struct {
	endpoint string
	client   *http.Client
	encoding string
	snapshot SnapshotOptions
}

// NewRemoteForwarder builds a forwarder posting to the monitor at serverURL (for example
// "http://127.0.0.1:8448").
func NewRemoteForwarder(serverURL string, opts ...ForwarderOption) *RemoteForwarder {
	f := &RemoteForwarder{
		endpoint: strings.TrimRight(serverURL, "/") + monitorEndpointPathEvents,
		client:   forwarderHttpClient,
		encoding: EncodingZstd,
		snapshot: DefaultSnapshotOptions,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnEvent sends the event, a failed send is reported as a HandlerError so that a manager dropping
// failing observers stops forwarding to an unreachable monitor.
func (f *RemoteForwarder) OnEvent(ev *Event) error {
	if err := f.Send(NewRemoteEvent(ev, f.snapshot)); err != nil {
		return &HandlerError{Kind: ev.Kind, Path: ev.Frame.Path(), Err: err}
	}
	return nil
}

// Send posts a batch of events in a single request.
func (f *RemoteForwarder) Send(events ...RemoteEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := EncodeRemoteEvents(f.encoding, events)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", f.encoding)
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST to %s failed: %w", f.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", f.endpoint, resp.StatusCode)
	}
	return nil
}

// ForwardTo registers a RemoteForwarder for serverURL with the default manager, returning the function
// that stops forwarding.
func ForwardTo(serverURL string, opts ...ForwarderOption) (stop func()) {
	f := NewRemoteForwarder(serverURL, opts...)
	AddTracer(f)
	return func() { RemoveTracer(f) }
}

// ForwardFromEnv forwards events to the monitor named by LENS_MONITOR_URL. Without the variable it
// does nothing. Instrumented main functions defer the returned stop function.
func ForwardFromEnv() (stop func()) {
	serverURL := os.Getenv(MonitorEnvVar)
	if serverURL == "" {
		return func() {}
	}
	log.Printf("Forwarding trace events to %s", serverURL)
	return ForwardTo(serverURL)
}
