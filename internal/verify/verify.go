// Package verify checks whether a domain can serve as the Reality masking
// target: it must resolve to a public address other than this server and
// speak TLS 1.2 or 1.3 with HTTP/2.
package verify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	dnspkg "github.com/miekg/dns"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultResolver = "1.1.1.1:53"
	resolvConf      = "/etc/resolv.conf"
)

var (
	ErrNotResolved = errors.New("domain does not resolve")
	ErrSelf        = errors.New("domain resolves to this server")
	ErrLocal       = errors.New("domain resolves to a local address")
	ErrUnreachable = errors.New("TLS port unreachable")
	ErrHandshake   = errors.New("TLS handshake failed")
	ErrTLSVersion  = errors.New("unsupported TLS version")
	ErrNoH2        = errors.New("HTTP/2 not offered")
)

// Result describes a domain that passed every check.
type Result struct {
	Host       string
	Addrs      []netip.Addr
	TLSVersion uint16
	ALPN       string
}

func (r *Result) String() string {
	return fmt.Sprintf("IP: %s | Proto: %s | ALPN: %s", r.Addrs[0], tls.VersionName(r.TLSVersion), r.ALPN)
}

type Verifier struct {
	// Resolver is the DNS server queried, host:port.
	Resolver string
	// Port is the TLS port dialed on the resolved address.
	Port    int
	Timeout time.Duration
	// Forbidden are this server's own addresses.
	Forbidden []netip.Addr
	// RootCAs overrides the system pool.
	RootCAs *x509.CertPool

	logger *slog.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a Verifier using resolver, or the first nameserver of
// /etc/resolv.conf when resolver is empty.
func New(resolver string, logger *slog.Logger) *Verifier {
	if resolver == "" {
		resolver = SystemResolver()
	}
	d := &net.Dialer{}
	return &Verifier{
		Resolver: resolver,
		Port:     443,
		Timeout:  DefaultTimeout,
		logger:   logger,
		dial:     d.DialContext,
	}
}

// SystemResolver returns the first nameserver of /etc/resolv.conf, or
// DefaultResolver when there is none.
func SystemResolver() string {
	conf, err := dnspkg.ClientConfigFromFile(resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return DefaultResolver
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// Hostname extracts the host from a URL or a bare domain.
func Hostname(s string) string {
	s = strings.TrimSpace(s)
	raw := s
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return s
	}
	return strings.ToLower(u.Hostname())
}

// Verify runs every check against domain, which may also be a URL.
func (v *Verifier) Verify(ctx context.Context, domain string) (*Result, error) {
	host := Hostname(domain)

	addrs, err := v.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		for _, f := range v.Forbidden {
			if a == f.Unmap() {
				return nil, fmt.Errorf("%w (%s), this would cause a routing loop", ErrSelf, a)
			}
		}
		if a.IsLoopback() || a.IsUnspecified() || a.IsPrivate() || a.IsLinkLocalUnicast() {
			return nil, fmt.Errorf("%w: %s", ErrLocal, a)
		}
	}

	version, alpn, err := v.CheckTLS(ctx, addrs[0], host)
	if err != nil {
		return nil, err
	}
	return &Result{Host: host, Addrs: addrs, TLSVersion: version, ALPN: alpn}, nil
}

// Resolve returns the A and AAAA addresses of host. An IP literal is
// returned as is.
func (v *Verifier) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	client := &dnspkg.Client{Timeout: v.Timeout}
	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{dnspkg.TypeA, dnspkg.TypeAAAA} {
		msg := new(dnspkg.Msg)
		msg.SetQuestion(dnspkg.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, v.Resolver)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dnspkg.RcodeSuccess {
			lastErr = fmt.Errorf("%s", dnspkg.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dnspkg.A:
				if a, ok := netip.AddrFromSlice(rec.A); ok {
					addrs = append(addrs, a.Unmap())
				}
			case *dnspkg.AAAA:
				if a, ok := netip.AddrFromSlice(rec.AAAA); ok {
					addrs = append(addrs, a)
				}
			}
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotResolved, host, lastErr)
		}
		return nil, fmt.Errorf("%w: %s has no A or AAAA records", ErrNotResolved, host)
	}
	v.logger.Debug("verify: resolved", "host", host, "resolver", v.Resolver, "addrs", addrs)
	return addrs, nil
}

// CheckTLS handshakes with addr presenting serverName and returns the
// negotiated version and ALPN protocol.
func (v *Verifier) CheckTLS(ctx context.Context, addr netip.Addr, serverName string) (uint16, string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	target := net.JoinHostPort(addr.String(), strconv.Itoa(v.Port))
	conn, err := v.dial(ctx, "tcp", target)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	defer conn.Close()

	tc := tls.Client(conn, &tls.Config{
		ServerName: serverName,
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS10,
		RootCAs:    v.RootCAs,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	state := tc.ConnectionState()
	v.logger.Debug("verify: handshake done", "target", target, "server_name", serverName,
		"version", tls.VersionName(state.Version), "alpn", state.NegotiatedProtocol)

	if state.Version != tls.VersionTLS13 && state.Version != tls.VersionTLS12 {
		return 0, "", fmt.Errorf("%w: %s, Reality requires TLS 1.3 or 1.2", ErrTLSVersion, tls.VersionName(state.Version))
	}
	if state.NegotiatedProtocol != "h2" {
		alpn := state.NegotiatedProtocol
		if alpn == "" {
			alpn = "none"
		}
		return 0, "", fmt.Errorf("%w (ALPN: %s), browsers expect h2 for modern sites", ErrNoH2, alpn)
	}
	return state.Version, state.NegotiatedProtocol, nil
}
