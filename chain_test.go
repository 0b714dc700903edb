package layer

import (
	"testing"

	"github.com/nhooyr/layer/internal/assert"
	"github.com/nhooyr/layer/internal/buf"
	"golang.org/x/xerrors"
)

// scriptedNode replays a prerecorded byte stream in caller-chosen chunk
// sizes on Read, regardless of how the layer above asks for it. It
// models the bottommost layer in the §8 "chain recursion" testable
// property: a message delivered as many tiny reads must still surface as
// exactly one complete unit at the top.
type scriptedNode struct {
	stream []byte
	chunk  int
	pos    int
}

func (n *scriptedNode) Name() string { return "scripted" }

func (n *scriptedNode) OnInit(ep Endpoint, arg any) error { return nil }

func (n *scriptedNode) OnWrite(in, out *buf.Buffer, arg any) (int, error) {
	in.Clear()
	return 0, nil
}

func (n *scriptedNode) OnRead(out, in *buf.Buffer, arg any) (int, error) {
	if n.pos >= len(n.stream) {
		return 0, xerrors.New("scripted stream exhausted")
	}
	end := n.pos + n.chunk
	if end > len(n.stream) {
		end = len(n.stream)
	}
	chunk := n.stream[n.pos:end]
	if !out.Append(chunk) {
		return 0, xerrors.New("scripted buffer full")
	}
	n.pos = end
	return 0, nil
}

func (n *scriptedNode) OnClose() error { return nil }

// echoUpperNode treats every byte handed to it as part of a single
// "message" and requires exactly payloadLen bytes to be present in its
// input Buffer before it reports completion, simulating a higher-layer
// framer like WsNode waiting on an incomplete frame.
type echoUpperNode struct {
	payloadLen int
}

func (n *echoUpperNode) Name() string { return "echoUpper" }

func (n *echoUpperNode) OnInit(ep Endpoint, arg any) error { return nil }

func (n *echoUpperNode) OnWrite(in, out *buf.Buffer, arg any) (int, error) {
	out.Append(in.Readable())
	in.Consume(in.Size())
	return 0, nil
}

func (n *echoUpperNode) OnRead(out, in *buf.Buffer, arg any) (int, error) {
	if in.Size() < n.payloadLen {
		return 1, nil
	}
	out.Append(in.Readable()[:n.payloadLen])
	in.Consume(n.payloadLen)
	return 0, nil
}

func (n *echoUpperNode) OnClose() error { return nil }

func TestChainRecursionSingleByteChunks(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	lower := &scriptedNode{stream: payload, chunk: 1}
	upper := &echoUpperNode{payloadLen: len(payload)}

	chain := NewChain(upper, lower)
	chain.SetReadBuffers([]*buf.Buffer{
		buf.New(make([]byte, 512)),
		buf.New(make([]byte, 512)),
	})
	chain.SetWriteBuffers([]*buf.Buffer{
		buf.New(make([]byte, 512)),
		buf.New(make([]byte, 512)),
	})

	assert.Success(t, chain.Init(Endpoint{}, NewArgs(nil, nil)))

	out := buf.New(make([]byte, 512))
	assert.Success(t, chain.Read(out, NewArgs(nil, nil)))

	assert.Equal(t, len(payload), out.Size(), "single read produced one complete payload")
	assert.Equal(t, payload, out.Readable(), "payload bytes")
}

func TestChainRecursionFailsWithoutLowerLayer(t *testing.T) {
	t.Parallel()

	upper := &echoUpperNode{payloadLen: 10}
	chain := NewChain(upper)
	chain.SetReadBuffers([]*buf.Buffer{buf.New(make([]byte, 64))})
	chain.SetWriteBuffers([]*buf.Buffer{buf.New(make([]byte, 64))})

	assert.Success(t, chain.Init(Endpoint{}, NewArgs(nil)))

	out := buf.New(make([]byte, 64))
	err := chain.Read(out, NewArgs(nil))
	assert.Error(t, err)
}
