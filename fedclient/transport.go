package fedclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.mau.fi/fedsync/discovery"
)

// URLScheme is the pseudo-scheme whose host part is a server name that must
// be resolved before connecting.
const URLScheme = "matrix-federation"

// Resolver turns server names into connection targets.
type Resolver interface {
	Resolve(ctx context.Context, serverName string) (*discovery.ResolvedServer, error)
}

type contextKey int

const contextKeyResolved contextKey = iota

// ResolvingTransport is an http.RoundTripper for matrix-federation:// URLs.
// It connects to the resolved address, sends the resolved Host header and
// validates the certificate according to the resolved policy.
type ResolvingTransport struct {
	Resolver  Resolver
	Transport *http.Transport
	Dialer    *net.Dialer
	// TLSConfig is the base TLS configuration. The server name and
	// verification settings are filled in per connection.
	TLSConfig *tls.Config
}

func NewResolvingTransport(resolver Resolver) *ResolvingTransport {
	rt := &ResolvingTransport{
		Resolver: resolver,
		Dialer:   &net.Dialer{Timeout: 10 * time.Second},
	}
	rt.Transport = &http.Transport{
		DialTLSContext:        rt.DialTLSContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return rt
}

func (rt *ResolvingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != URLScheme {
		return nil, fmt.Errorf("unsupported scheme %q", req.URL.Scheme)
	}
	resolved, err := rt.Resolver.Resolve(req.Context(), req.URL.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", req.URL.Host, err)
	}
	req = req.Clone(context.WithValue(req.Context(), contextKeyResolved, resolved))
	req.URL.Scheme = "https"
	req.Host = resolved.HostHeader
	return rt.Transport.RoundTrip(req)
}

// DialTLSContext connects to the server stored in the request context and
// performs the TLS handshake.
func (rt *ResolvingTransport) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	resolved, ok := ctx.Value(contextKeyResolved).(*discovery.ResolvedServer)
	if !ok {
		return nil, fmt.Errorf("no resolved server for %s in context", addr)
	}
	conn, err := rt.Dialer.DialContext(ctx, network, resolved.Address())
	if err != nil {
		return nil, err
	}
	var cfg *tls.Config
	if rt.TLSConfig != nil {
		cfg = rt.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.NextProtos = []string{"http/1.1"}
	switch resolved.CertPolicy {
	case discovery.CertPolicyHostname:
		cfg.ServerName = resolved.TLSHostname
	case discovery.CertPolicySkipHostname:
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(cfg.RootCAs)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unknown certificate policy %q", resolved.CertPolicy)
	}
	tlsConn := tls.Client(conn, cfg)
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

var errNoCertificates = errors.New("server didn't present a certificate")

// verifyChainOnly checks that the peer certificate chains to a trusted root
// without matching it against any hostname.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errNoCertificates
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
