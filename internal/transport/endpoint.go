package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/samizdat/pkg/interfaces"
)

const (
	alpnProtocol     = "samizdat/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 60 * time.Second
	keepAlivePeriod  = 15 * time.Second
	certLifetime     = 7 * 24 * time.Hour
)

// endpoint owns the QUIC listener and the ephemeral TLS
// identity used for every connection in both directions.
// Peers are anonymous: the node id is only the hash of the
// certificate key and is never trusted for content.
type endpoint struct { // A
	listener *quic.Listener
	cert     tls.Certificate
	localID  interfaces.NodeID
	quicConf *quic.Config
}

func listen(addr string) (*endpoint, error) { // A
	cert, id, err := ephemeralIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate TLS identity: %w", err)
	}
	e := &endpoint{
		cert:    cert,
		localID: id,
		quicConf: &quic.Config{
			HandshakeIdleTimeout: handshakeTimeout,
			MaxIdleTimeout:       idleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
		},
	}
	ln, err := quic.ListenAddr(addr, e.tlsConfig(true), e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	e.listener = ln
	return e, nil
}

func (e *endpoint) addr() string { return e.listener.Addr().String() } // A

func (e *endpoint) dial(ctx context.Context, addr string) (*peerConn, error) { // A
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, e.tlsConfig(false), e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &peerConn{Conn: conn, id: remoteID(conn)}, nil
}

func (e *endpoint) accept(ctx context.Context) (*peerConn, error) { // A
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return &peerConn{Conn: conn, id: remoteID(conn)}, nil
}

func (e *endpoint) close() error { return e.listener.Close() } // A

func (e *endpoint) tlsConfig(server bool) *tls.Config { // A
	conf := &tls.Config{
		Certificates: []tls.Certificate{e.cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
	if server {
		conf.ClientAuth = tls.RequireAnyClientCert
	} else {
		// #nosec G402 -- content is verified by hash or
		// signature, never by the peer certificate.
		conf.InsecureSkipVerify = true
	}
	return conf
}

func remoteID(conn *quic.Conn) interfaces.NodeID { // A
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return interfaces.NodeID{}
	}
	return spkiID(certs[0].RawSubjectPublicKeyInfo)
}

func spkiID(spki []byte) interfaces.NodeID { // A
	sum := sha256.Sum256(spki)
	var id interfaces.NodeID
	copy(id[:], sum[:])
	return id
}

// ephemeralIdentity creates a self-signed P-256 certificate
// that lives only as long as the process.
func ephemeralIdentity() (tls.Certificate, interfaces.NodeID, error) { // A
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, interfaces.NodeID{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, interfaces.NodeID{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "samizdat peer"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, interfaces.NodeID{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, interfaces.NodeID{}, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	return cert, spkiID(leaf.RawSubjectPublicKeyInfo), nil
}
