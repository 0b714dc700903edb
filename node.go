// Package layer implements a composable client-side network stack:
// stream-oriented protocol layers (Nodes) stacked on top of one another
// to reach a remote endpoint, e.g. WebSocket -> TLS -> TCP. A Chain
// builds the stack from a single endpoint URI and exposes uniform
// Read/Write/Close calls that drive each layer's I/O, framing, and
// handshake requirements.
package layer

import (
	"net/url"

	"github.com/nhooyr/layer/internal/buf"
	"golang.org/x/xerrors"
)

// Endpoint is the caller-supplied destination a Chain connects to. URI
// parsing itself is out of scope for this package (net/url, an external
// collaborator, does it); Endpoint is what survives that parse.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ParseEndpoint parses a URI of the form scheme://host[:port][/path]
// into an Endpoint. Recognized schemes (ws, wss, tcp, tls) are
// informational only — the caller decides which Nodes to chain together
// based on the scheme; ParseEndpoint does not pick layers.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, xerrors.Errorf("failed to parse endpoint uri: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, xerrors.Errorf("endpoint uri %q has no host", rawURL)
	}

	port := 0
	if p := u.Port(); p != "" {
		var err error
		port, err = parsePort(p)
		if err != nil {
			return Endpoint{}, xerrors.Errorf("endpoint uri %q has invalid port: %w", rawURL, err)
		}
	} else {
		port = defaultPort(u.Scheme)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return Endpoint{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Path:   path,
	}, nil
}

func parsePort(s string) (int, error) {
	var p int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, xerrors.Errorf("non-numeric port %q", s)
		}
		p = p*10 + int(c-'0')
	}
	return p, nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "wss", "tls", "https":
		return 443
	default:
		return 80
	}
}

// Node is the capability set every protocol layer implements. The
// recursive read/write loop and buffer/arg bookkeeping live in Chain;
// a Node only knows how to transform bytes for one layer.
//
// Return conventions for OnWrite/OnRead mirror the original design's
// integer sentinels even though Go surfaces them as (int, error):
// OnWrite: 0 = done, 1 = call me again after out has been flushed
// downstream, err != nil = fail.
// OnRead: 0 = out holds one complete unit, 1 = need more bytes in in,
// err != nil = fail.
type Node interface {
	// Name identifies the layer in NodeError and logging.
	Name() string

	// OnInit establishes layer-local state. The lower layer, if any, is
	// already initialized by the time OnInit runs.
	OnInit(ep Endpoint, arg any) error

	// OnWrite consumes bytes from in and produces bytes into out, which
	// is the inter-layer buffer the lower layer will read as its input.
	OnWrite(in, out *buf.Buffer, arg any) (int, error)

	// OnRead consumes bytes from in, the inter-layer buffer filled by
	// the lower layer, and deposits an assembled application unit into
	// out.
	OnRead(out, in *buf.Buffer, arg any) (int, error)

	// OnClose releases layer-local resources. Always called, even if
	// OnInit partially failed after acquiring something.
	OnClose() error
}

// Chain links one Node to the (optional) next lower Node, owns that
// layer's read/write Buffers, and drives Init/Read/Write/Close per the
// recursion described on those methods below.
type Chain struct {
	node  Node
	lower *Chain

	readBuf  *buf.Buffer
	writeBuf *buf.Buffer

	errSlot *ErrorSlot

	arg any
}

// lowerIO is the Read/Write surface a Node needs when it must drive its
// own sub-protocol exchange directly against the layer below (e.g.
// WsNode's HTTP Upgrade handshake), bypassing the buffered OnWrite/OnRead
// cycle Chain otherwise drives on its behalf. *Chain satisfies it.
type lowerIO interface {
	Write(in *buf.Buffer, args *Args) error
	Read(out *buf.Buffer, args *Args) error
}

// lowerBinder is implemented by Nodes that need that direct access; NewChain
// calls bindLower once per Node, topmost first, with the Chain directly
// below it (nil for the bottommost Node).
type lowerBinder interface {
	bindLower(lowerIO)
}

// NewChain builds a Chain from nodes, topmost first. The returned Chain
// is the top of the stack; every layer shares one ErrorSlot.
func NewChain(nodes ...Node) *Chain {
	if len(nodes) == 0 {
		panic("layer: NewChain requires at least one node")
	}

	slot := &ErrorSlot{}
	chains := make([]*Chain, len(nodes))
	for i, n := range nodes {
		chains[i] = &Chain{node: n, errSlot: slot}
	}
	for i := 0; i < len(chains)-1; i++ {
		chains[i].lower = chains[i+1]
	}
	for i, n := range nodes {
		if lb, ok := n.(lowerBinder); ok {
			if i+1 < len(chains) {
				lb.bindLower(chains[i+1])
			} else {
				lb.bindLower(nil)
			}
		}
	}
	return chains[0]
}

// Error returns the ErrorSlot shared by every layer of this Chain, so a
// caller can inspect which layer last failed after a failing call —
// the Go analogue of the original's thread-local get_error().
func (c *Chain) Error() *ErrorSlot {
	return c.errSlot
}

// SetReadBuffers distributes one Buffer per layer, top to bottom,
// popping the first element of bufs for this layer and forwarding the
// rest down the chain. Every layer must have both buffers assigned
// before any Read/Write call.
func (c *Chain) SetReadBuffers(bufs []*buf.Buffer) []*buf.Buffer {
	c.readBuf, bufs = bufs[0], bufs[1:]
	if c.lower != nil {
		bufs = c.lower.SetReadBuffers(bufs)
	}
	return bufs
}

// SetWriteBuffers is SetReadBuffers for the write-side Buffers.
func (c *Chain) SetWriteBuffers(bufs []*buf.Buffer) []*buf.Buffer {
	c.writeBuf, bufs = bufs[0], bufs[1:]
	if c.lower != nil {
		bufs = c.lower.SetWriteBuffers(bufs)
	}
	return bufs
}

// Depth returns how many layers this Chain has, counting itself.
func (c *Chain) Depth() int {
	n := 0
	for cur := c; cur != nil; cur = cur.lower {
		n++
	}
	return n
}

// Init initializes the chain bottom-up: the lowest layer's OnInit runs
// first, then each layer above it, popping one Args item per layer on
// the way down.
func (c *Chain) Init(ep Endpoint, args *Args) error {
	arg := args.Pop()
	if c.lower != nil {
		if err := c.lower.Init(ep, args); err != nil {
			return err
		}
	}
	if err := c.node.OnInit(ep, arg); err != nil {
		return c.fail(err)
	}
	c.errSlot.clear()
	return nil
}

// bindArgs distributes one Args item per layer ahead of a Read or Write
// call, so a layer's retry loop can re-use its own bound arg across
// multiple re-entries without the queue being drained out from under a
// lower layer that's invoked more than once per call.
func (c *Chain) bindArgs(args *Args) {
	c.arg = args.Pop()
	if c.lower != nil {
		c.lower.bindArgs(args)
	}
}

// Write sends in through the chain: this layer's OnWrite runs repeatedly
// until it reports done (0), shipping its write Buffer to the lower
// layer's Write after every iteration.
func (c *Chain) Write(in *buf.Buffer, args *Args) error {
	c.bindArgs(args)
	return c.write(in)
}

func (c *Chain) write(in *buf.Buffer) error {
	for {
		ret, err := c.node.OnWrite(in, c.writeBuf, c.arg)
		if err != nil {
			return c.fail(err)
		}
		if c.lower != nil {
			if err := c.lower.write(c.writeBuf); err != nil {
				return err
			}
		}
		if ret == 0 {
			return nil
		}
	}
}

// Read assembles one application unit into out: this layer's OnRead runs
// repeatedly, pulling more bytes from the lower layer's Read into this
// layer's read Buffer whenever it reports "need more" (1), until it
// reports a complete unit (0) or fails.
func (c *Chain) Read(out *buf.Buffer, args *Args) error {
	c.bindArgs(args)
	return c.read(out)
}

func (c *Chain) read(out *buf.Buffer) error {
	for {
		ret, err := c.node.OnRead(out, c.readBuf, c.arg)
		if err != nil {
			return c.fail(err)
		}
		if ret == 0 {
			return nil
		}
		if c.lower == nil {
			return c.fail(xerrors.New("need more input but no lower layer to read from"))
		}
		if err := c.lower.read(c.readBuf); err != nil {
			return err
		}
	}
}

// Close tears the chain down top to bottom. Idempotent: OnClose
// implementations must tolerate being called more than once.
func (c *Chain) Close() error {
	err := c.node.OnClose()
	if c.lower != nil {
		if lowerErr := c.lower.Close(); lowerErr != nil && err == nil {
			err = lowerErr
		}
	}
	return err
}

func (c *Chain) fail(err error) error {
	return c.errSlot.set(c.node.Name(), codeOf(err), err)
}

// codeOf extracts the layer-defined integer code from err if err (or
// an error it wraps) has a Code() int method, as every layer's error
// type does, or 0 otherwise.
func codeOf(err error) int {
	var coded interface{ Code() int }
	if xerrors.As(err, &coded) {
		return coded.Code()
	}
	return 0
}
