package layer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/nhooyr/layer/internal/assert"
	"github.com/nhooyr/layer/internal/buf"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Success(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.Success(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func listenTLSLoopback(t *testing.T) net.Listener {
	t.Helper()

	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp4", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	assert.Success(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestTlsNodeHandshakeWriteRead(t *testing.T) {
	t.Parallel()

	ln := listenTLSLoopback(t)
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b := make([]byte, 5)
		if _, err := conn.Read(b); err != nil {
			return
		}
		conn.Write([]byte("world"))
	}()

	n := &TlsNode{}
	ep := dialEndpoint(ln)
	err := n.OnInit(ep, TlsInitArg{InsecureSkipVerify: true})
	assert.Success(t, err)
	defer n.OnClose()

	in := buf.New(make([]byte, 5))
	in.Append([]byte("hello"))
	_, err = n.OnWrite(in, nil, nil)
	assert.Success(t, err)

	out := buf.New(make([]byte, 64))
	_, err = n.OnRead(out, nil, nil)
	assert.Success(t, err)
	assert.Equal(t, "world", string(out.Readable()), "OnRead delivers server bytes over TLS")

	<-srvDone
}

func TestTlsNodeHandshakeFailsOnUntrustedCert(t *testing.T) {
	t.Parallel()

	ln := listenTLSLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	n := &TlsNode{}
	err := n.OnInit(dialEndpoint(ln), TlsInitArg{})
	assert.Error(t, err)
	var te *TlsError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TlsError in chain, got %T", err)
	}
	assert.Equal(t, TlsErrHandshakeFailed, te.Code(), "handshake failure code")
}

func TestTlsNodeNotReady(t *testing.T) {
	t.Parallel()

	n := &TlsNode{}
	_, err := n.OnRead(buf.New(make([]byte, 8)), nil, nil)
	assert.Error(t, err)
	te, ok := err.(*TlsError)
	if !ok {
		t.Fatalf("expected *TlsError, got %T", err)
	}
	assert.Equal(t, TlsErrNotReady, te.Code(), "not ready code")
}
