// Command wsdial connects to a ws:// or wss:// endpoint, sends one
// message, prints what comes back, and optionally pings the server at a
// fixed rate for a while before closing. It mirrors the two demo mains
// under the original implementation's examples directory
// (simple-sock.cpp and websocket.cpp): build a chain, init it, write,
// read, close.
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"log"
	"time"

	layer "github.com/nhooyr/layer"
	"github.com/nhooyr/layer/internal/buf"
	"github.com/nhooyr/layer/internal/wsframe"
	"golang.org/x/time/rate"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("wsdial: ")

	uri := flag.String("uri", "ws://localhost:3000/", "endpoint to dial, e.g. ws://host:port/path or wss://host:port/path")
	message := flag.String("message", "hello", "message to send as a single text frame after connecting")
	pingCount := flag.Int("pings", 0, "number of PING frames to send after the initial message, paced by -ping-interval")
	pingInterval := flag.Duration("ping-interval", time.Second, "minimum interval between PING frames")
	timeout := flag.Duration("timeout", 10*time.Second, "connect/read timeout")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification for wss:// (testing only)")
	flag.Parse()

	if err := run(*uri, *message, *pingCount, *pingInterval, *timeout, *insecure); err != nil {
		log.Fatal(err)
	}
}

func run(uri, message string, pingCount int, pingInterval, timeout time.Duration, insecure bool) error {
	ep, err := layer.ParseEndpoint(uri)
	if err != nil {
		return err
	}

	ws := &layer.WsNode{}
	chain, initArgs := buildChain(ep, ws, timeout, insecure)

	chain.SetReadBuffers([]*buf.Buffer{buf.New(make([]byte, 4096)), buf.New(make([]byte, 4096))})
	chain.SetWriteBuffers([]*buf.Buffer{buf.New(make([]byte, 4096)), buf.New(make([]byte, 4096))})

	if err := chain.Init(ep, initArgs); err != nil {
		chain.Close()
		return reportNodeError(chain, err)
	}
	defer chain.Close()

	if err := layer.SendFrame(chain, wsframe.OpText, true, []byte(message)); err != nil {
		return reportNodeError(chain, err)
	}

	out := buf.New(make([]byte, 4096))
	var info layer.WsReadInfo
	readArgs := layer.NewArgs(&info, readTimeoutArg(ep, timeout))
	if err := chain.Read(out, readArgs); err != nil {
		return reportNodeError(chain, err)
	}
	log.Printf("received %d bytes, opcode=%d fin=%v: %q", out.Size(), info.Opcode, info.Fin, out.Readable())

	if pingCount > 0 {
		if err := pingLoop(chain, pingCount, pingInterval); err != nil {
			return reportNodeError(chain, err)
		}
	}

	return layer.CloseFrame(chain, 1000, "bye")
}

// buildChain assembles the same alternative-bottom-layer shape the
// original wires up at the call site (WSNode chained directly onto
// either a SocketNode or an SSLNode): wss:// terminates in a TlsNode,
// ws:// in a SocketNode.
func buildChain(ep layer.Endpoint, ws *layer.WsNode, timeout time.Duration, insecure bool) (*layer.Chain, *layer.Args) {
	if ep.Scheme == "wss" {
		tlsNode := &layer.TlsNode{}
		chain := layer.NewChain(ws, tlsNode)
		args := layer.NewArgs(nil, layer.TlsInitArg{
			ConnectTimeout:     timeout,
			InsecureSkipVerify: insecure,
			RootCAs:            systemRoots(),
		})
		return chain, args
	}

	sock := &layer.SocketNode{}
	chain := layer.NewChain(ws, sock)
	args := layer.NewArgs(nil, layer.SocketInitArg{ConnectTimeout: timeout})
	return chain, args
}

func readTimeoutArg(ep layer.Endpoint, timeout time.Duration) any {
	if ep.Scheme == "wss" {
		return layer.TlsReadArg{Timeout: timeout}
	}
	return layer.SocketReadArg{Timeout: timeout}
}

func systemRoots() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return x509.NewCertPool()
	}
	return pool
}

// pingLoop paces outgoing PING frames with golang.org/x/time/rate rather
// than a background scheduler: the chain's Read/Write calls are
// synchronous, so a rate.Limiter's blocking Wait between synchronous
// SendFrame calls is the idiomatic fit, not a goroutine-driven ticker.
func pingLoop(chain *layer.Chain, count int, interval time.Duration) error {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	ctx := context.Background()
	for i := 0; i < count; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := layer.Ping(chain, nil); err != nil {
			return err
		}
		log.Printf("ping %d/%d sent", i+1, count)
	}
	return nil
}

func reportNodeError(chain *layer.Chain, err error) error {
	if ne := chain.Error().Last(); ne != nil {
		log.Printf("node %s failed (code %d)", ne.Node, ne.Code)
	}
	return err
}
