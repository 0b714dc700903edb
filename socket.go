package layer

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/nhooyr/layer/internal/buf"
	"github.com/nhooyr/layer/internal/errd"
	"golang.org/x/xerrors"
)

// Socket error codes, namespaced at -10000 per layer, matching
// include/sock-node.h's ERROR_CODE_BEGIN/NOT_READY/REMOTE_CLOSED/
// INSUFF_BUFFER/READ_TIMEOUT.
const (
	SocketErrNotReady     = -10000
	SocketErrRemoteClosed = -10001
	SocketErrInsuffBuffer = -10002
	SocketErrReadTimeout  = -10003
)

// SocketError is SocketNode's failure value; Code is one of the
// SocketErr* constants, or a positive value carried over unchanged from
// a net.OpError's underlying errno where one is available.
type SocketError struct {
	code int
	err  error
}

func (e *SocketError) Error() string { return e.err.Error() }
func (e *SocketError) Unwrap() error { return e.err }
func (e *SocketError) Code() int     { return e.code }

func newSocketError(code int, msg string) error {
	return &SocketError{code: code, err: xerrors.New(msg)}
}

func wrapSocketError(code int, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno > 0 {
		code = int(errno)
	}
	return &SocketError{code: code, err: err}
}

// SocketReadArg carries the per-call receive timeout for SocketNode.OnRead.
// A zero value means block without a deadline.
type SocketReadArg struct {
	Timeout time.Duration
}

// SocketWriteArg carries the per-call send timeout for SocketNode.OnWrite.
type SocketWriteArg struct {
	Timeout time.Duration
}

// SocketInitArg carries the connect timeout for SocketNode.OnInit.
type SocketInitArg struct {
	ConnectTimeout time.Duration
}

// SocketNode is a bottom (leaf) layer: a plain TCP connection.
//
// Go's runtime netpoller already arranges for a write to a closed socket
// to surface as an EPIPE-flavored error rather than raise SIGPIPE (every
// net.Conn is non-blocking under the hood), so unlike the original's
// ignore_sigpipe() call in sock-node.cpp's on_init, there is nothing for
// SocketNode to do about SIGPIPE itself — see DESIGN.md.
type SocketNode struct {
	conn net.Conn
}

var _ Node = (*SocketNode)(nil)

func (n *SocketNode) Name() string { return "socket" }

func (n *SocketNode) OnInit(ep Endpoint, arg any) (err error) {
	defer errd.Wrap(&err, "socket node init %s:%d", ep.Host, ep.Port)

	timeout := 10 * time.Second
	if a, ok := arg.(SocketInitArg); ok && a.ConnectTimeout > 0 {
		timeout = a.ConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(ep.Host, portString(ep.Port)))
	if err != nil {
		return wrapSocketError(SocketErrNotReady, err)
	}

	n.conn = conn
	return nil
}

func (n *SocketNode) OnWrite(in, out *buf.Buffer, arg any) (int, error) {
	if n.conn == nil {
		return 0, newSocketError(SocketErrNotReady, "socket not ready")
	}
	if in == nil || in.Empty() {
		return 0, nil
	}

	if a, ok := arg.(SocketWriteArg); ok && a.Timeout > 0 {
		n.conn.SetWriteDeadline(time.Now().Add(a.Timeout))
	} else {
		n.conn.SetWriteDeadline(time.Time{})
	}

	// Loop internally until the full readable region of in is drained:
	// the original leaves short-write handling to the outer write loop,
	// but SocketNode is always the bottom of the chain so there is no
	// lower layer to re-drive it — see spec Open Question (a).
	for !in.Empty() {
		nw, err := n.conn.Write(in.Readable())
		if err != nil {
			return 0, wrapSocketError(SocketErrRemoteClosed, err)
		}
		if nw == 0 {
			return 0, newSocketError(SocketErrRemoteClosed, "remote socket closed")
		}
		in.Consume(nw)
	}
	return 0, nil
}

func (n *SocketNode) OnRead(out, in *buf.Buffer, arg any) (int, error) {
	if n.conn == nil {
		return 0, newSocketError(SocketErrNotReady, "socket not ready")
	}
	if out == nil || out.RemainSpace() == 0 {
		return 0, newSocketError(SocketErrInsuffBuffer, "insufficient buffer capacity")
	}

	if a, ok := arg.(SocketReadArg); ok && a.Timeout > 0 {
		n.conn.SetReadDeadline(time.Now().Add(a.Timeout))
	} else {
		n.conn.SetReadDeadline(time.Time{})
	}

	nr, err := n.conn.Read(out.Writable())
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, newSocketError(SocketErrReadTimeout, "socket read timeout")
		}
		return 0, wrapSocketError(SocketErrRemoteClosed, err)
	}
	if nr == 0 {
		return 0, newSocketError(SocketErrRemoteClosed, "remote socket closed")
	}

	out.Obtain(nr)
	return 0, nil
}

func (n *SocketNode) OnClose() error {
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

func portString(p int) string {
	if p == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}
