// Package bine provides a thin wrapper around cretz/bine for driving a real
// Tor process as the overlay client this scanner forces traffic through.
//
// Unlike a general-purpose Tor client, this wrapper never builds circuits or
// speaks the onion-routing protocol itself — it only launches/attaches to
// Tor, exposes its control connection for the Controller Event Loop
// (pkg/controller) to subscribe to CIRC/STREAM events and issue
// NEWCIRCUIT/ATTACHSTREAM/SETCONF commands, and exposes the SOCKS port for
// the SOCKS-intercept layer (pkg/socksintercept) to dial against.
//
// Example usage:
//
//	client, err := bine.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	conn := client.Control()
//	conn.AddEventListener(eventCh, control.EventCodeCirc, control.EventCodeStream)
package bine

import (
	"context"
	"fmt"
	"time"

	"github.com/cretz/bine/control"
	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"
)

// Client wraps a cretz/bine-managed Tor process configured for exit scanning.
type Client struct {
	tor         *tor.Tor
	proxyDialer proxy.Dialer
	socksAddr   string
}

// Options configures the managed Tor process.
type Options struct {
	// SocksPort specifies the SOCKS5 proxy port (default: 9050)
	SocksPort int

	// ControlPort specifies the control protocol port (default: 9051)
	ControlPort int

	// DataDirectory specifies Tor's data directory (default: platform-specific)
	DataDirectory string

	// LogLevel names a log level (debug, info, warn, error). withDefaults
	// leaves it as given, and it is not passed to the Tor process.
	LogLevel string

	// MaxPendingCircuits sets MaxClientCircuitsPending at launch (default: 128).
	// The scanner deliberately runs many circuits in flight at once.
	MaxPendingCircuits int

	// StartupTimeout is the maximum time to wait for Tor to bootstrap (default: 90s)
	StartupTimeout time.Duration
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.SocksPort == 0 {
		out.SocksPort = 9050
	}
	if out.ControlPort == 0 {
		out.ControlPort = 9051
	}
	if out.MaxPendingCircuits == 0 {
		out.MaxPendingCircuits = 128
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = 90 * time.Second
	}
	return &out
}

// Connect starts a Tor process with sensible defaults for scanning.
func Connect() (*Client, error) {
	return ConnectWithOptions(nil)
}

// ConnectWithOptions starts a Tor process with custom configuration.
func ConnectWithOptions(opts *Options) (*Client, error) {
	return ConnectWithOptionsContext(context.Background(), opts)
}

// ConnectWithOptionsContext starts a Tor process with custom configuration
// and context, then applies the scanner-specific runtime configuration
// (§6, §9): FetchServerDescriptors=0, __LeaveStreamsUnattached=1, and
// __DisablePredictedCircuits set via SETCONF *after* bootstrap rather than
// at launch — the client fails to bootstrap with that option set at launch
// time when DataDirectory already holds cached state.
func ConnectWithOptionsContext(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts = opts.withDefaults()

	startConf := &tor.StartConf{
		DataDir: opts.DataDirectory,
		ExtraArgs: []string{
			"SocksPort", fmt.Sprintf("127.0.0.1:%d", opts.SocksPort),
			"ControlPort", fmt.Sprintf("127.0.0.1:%d", opts.ControlPort),
			"MaxClientCircuitsPending", fmt.Sprintf("%d", opts.MaxPendingCircuits),
			"FetchServerDescriptors", "0",
			"__LeaveStreamsUnattached", "1",
		},
	}

	startCtx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	t, err := tor.Start(startCtx, startConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start tor process: %w", err)
	}

	if err := t.EnableNetwork(startCtx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to bootstrap tor: %w", err)
	}

	// §9 quirk: this cannot be set at launch time when DataDir pre-exists.
	if _, err := t.Control.SetConf(control.NewConfEntry("__DisablePredictedCircuits", "1")); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to disable predicted circuits: %w", err)
	}

	socksAddr := fmt.Sprintf("127.0.0.1:%d", opts.SocksPort)
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	return &Client{
		tor:         t,
		proxyDialer: dialer,
		socksAddr:   socksAddr,
	}, nil
}

// Close gracefully shuts down the managed Tor process.
func (c *Client) Close() error {
	return c.tor.Close()
}

// SocksAddr returns the SOCKS5 proxy address (host:port) the scanner's
// SOCKS-intercept layer dials against.
func (c *Client) SocksAddr() string {
	return c.socksAddr
}

// Dialer returns a SOCKS5 dialer for making ordinary (non-intercepted)
// connections through Tor, e.g. for fetching a module's declared
// destinations via forward lookup at startup.
func (c *Client) Dialer() proxy.Dialer {
	return c.proxyDialer
}

// Control returns the underlying control-protocol connection, for the
// Controller Event Loop to subscribe to CIRC/STREAM events and issue
// NEWCIRCUIT/ATTACHSTREAM/CLOSECIRCUIT/SETCONF commands.
func (c *Client) Control() *control.Conn {
	return c.tor.Control
}

// DataDir returns the Tor process's data directory, where the Consensus
// Loader reads cached-consensus and cached-descriptors from.
func (c *Client) DataDir() string {
	return c.tor.DataDir
}
