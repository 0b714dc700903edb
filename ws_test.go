package layer

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/nhooyr/layer/internal/assert"
	"github.com/nhooyr/layer/internal/buf"
	"github.com/nhooyr/layer/internal/wsframe"
	"golang.org/x/xerrors"
)

// fakeLowerIO stands in for the transport Chain below a WsNode during
// handshake tests: it captures every request WsNode writes and replays a
// canned (or accept-derived) HTTP response in caller-chosen chunk sizes.
type fakeLowerIO struct {
	sentReqs  [][]byte
	chunkSize int
	badAccept bool

	resp    []byte
	respPos int
}

func (f *fakeLowerIO) Write(in *buf.Buffer, args *Args) error {
	f.sentReqs = append(f.sentReqs, append([]byte(nil), in.Readable()...))
	return nil
}

func (f *fakeLowerIO) Read(out *buf.Buffer, args *Args) error {
	if f.resp == nil {
		f.resp = []byte(f.buildResponse())
	}
	if f.respPos >= len(f.resp) {
		return xerrors.New("fakeLowerIO: no more scripted response bytes")
	}
	end := f.respPos + f.chunkSize
	if end > len(f.resp) {
		end = len(f.resp)
	}
	chunk := f.resp[f.respPos:end]
	f.respPos = end
	if !out.Append(chunk) {
		return xerrors.New("fakeLowerIO: response buffer full")
	}
	return nil
}

func (f *fakeLowerIO) buildResponse() string {
	accept := "bm90LXRoZS1yaWdodC1rZXk="
	if !f.badAccept {
		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(f.sentReqs[len(f.sentReqs)-1])))
		if err != nil {
			panic(err)
		}
		accept = computeAccept(req.Header.Get("Sec-WebSocket-Key"))
	}
	return "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
}

func TestWsNodeHandshakeSuccess(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	fake := &fakeLowerIO{chunkSize: 4096}
	n.bindLower(fake)

	err := n.OnInit(Endpoint{Host: "example.com", Port: 80, Path: "/chat"}, nil)
	assert.Success(t, err)
	assert.Equal(t, true, n.maskKey != 0, "mask key generated during handshake")
}

func TestWsNodeHandshakeSplitAcrossReads(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	fake := &fakeLowerIO{chunkSize: 20}
	n.bindLower(fake)

	err := n.OnInit(Endpoint{Host: "example.com", Port: 80, Path: "/"}, nil)
	assert.Success(t, err)
}

func TestWsNodeHandshakeFailsOnAcceptMismatch(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	fake := &fakeLowerIO{chunkSize: 4096, badAccept: true}
	n.bindLower(fake)

	err := n.OnInit(Endpoint{Host: "example.com", Port: 80, Path: "/"}, nil)
	assert.Error(t, err)
	var we *WsError
	if !errors.As(err, &we) {
		t.Fatalf("expected *WsError in chain, got %T", err)
	}
	assert.Equal(t, WsErrHandshakeFailed, we.Code(), "handshake failure code")
}

func TestWsNodeWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	sender := &WsNode{maskKey: 0x01020304}
	payload := []byte("hello websocket")

	in := buf.New(nil)
	in.SetData(append([]byte(nil), payload...), 0, len(payload))
	wire := buf.New(make([]byte, 256))

	arg := WsWriteArg{Opcode: wsframe.OpText, Fin: true}
	for {
		ret, err := sender.OnWrite(in, wire, arg)
		assert.Success(t, err)
		if ret == 0 {
			break
		}
	}

	receiver := &WsNode{}
	out := buf.New(make([]byte, 256))
	var info WsReadInfo
	_, err := receiver.OnRead(out, wire, &info)
	assert.Success(t, err)

	assert.Equal(t, payload, out.Readable(), "round-tripped payload bytes")
	assert.Equal(t, wsframe.OpText, info.Opcode, "opcode carried through arg")
	assert.Equal(t, true, info.Fin, "fin bit carried through arg")
}

func TestWsNodeWriteRejectsOversizedControlFrame(t *testing.T) {
	t.Parallel()

	n := &WsNode{maskKey: 0xdeadbeef}
	payload := make([]byte, 200)
	in := buf.New(nil)
	in.SetData(payload, 0, len(payload))
	wire := buf.New(make([]byte, 512))

	arg := WsWriteArg{Opcode: wsframe.OpPing, Fin: true}

	_, err := n.OnWrite(in, wire, arg) // header phase: succeeds
	assert.Success(t, err)

	_, err = n.OnWrite(in, wire, arg) // payload phase: 200 > 125
	assert.Error(t, err)
	we, ok := err.(*WsError)
	if !ok {
		t.Fatalf("expected *WsError, got %T", err)
	}
	assert.Equal(t, WsErrInvalidControlFrame, we.Code(), "control frame too long code")
}

func TestWsNodeReadInvalidOpcode(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	wire := buf.New(make([]byte, 16))
	wire.Append([]byte{0x83, 0x00}) // fin | reserved opcode 3, no mask, zero length

	out := buf.New(make([]byte, 16))
	_, err := n.OnRead(out, wire, nil)
	assert.Error(t, err)
	we, ok := err.(*WsError)
	if !ok {
		t.Fatalf("expected *WsError, got %T", err)
	}
	assert.Equal(t, WsErrInvalidOpcode, we.Code(), "invalid opcode code")
}

func TestWsNodeReadControlFrameTooLong(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	wire := buf.New(make([]byte, 16))
	wire.Append([]byte{0x89, 0x7e}) // fin | PING, length-class 126 (extended)

	out := buf.New(make([]byte, 16))
	_, err := n.OnRead(out, wire, nil)
	assert.Error(t, err)
	we, ok := err.(*WsError)
	if !ok {
		t.Fatalf("expected *WsError, got %T", err)
	}
	assert.Equal(t, WsErrInvalidControlFrame, we.Code(), "control frame too long code")
}

func TestWsNodeReadNeedsMoreOnTruncatedFrame(t *testing.T) {
	t.Parallel()

	n := &WsNode{}
	wire := buf.New(make([]byte, 16))
	wire.Append([]byte{0x81}) // single byte, header incomplete

	out := buf.New(make([]byte, 16))
	ret, err := n.OnRead(out, wire, nil)
	assert.Success(t, err)
	assert.Equal(t, 1, ret, "need more bytes")
}
