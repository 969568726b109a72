// Package discovery finds out how to reach a remote homeserver given only its server name.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var ErrNoAddresses = errors.New("no addresses found")

type Method string

const (
	MethodIPLiteral    Method = "ip-literal"
	MethodExplicitPort Method = "explicit-port"
	MethodWellKnown    Method = "well-known-delegation"
	MethodSRVModern    Method = "srv-modern"
	MethodSRVLegacy    Method = "srv-legacy"
	MethodFallback     Method = "fallback-8448"
)

type CertPolicy string

const (
	// CertPolicySkipHostname means the certificate chain is verified, but not
	// matched against a hostname. Used when connecting to IP literals.
	CertPolicySkipHostname CertPolicy = "skip-hostname"
	CertPolicyHostname     CertPolicy = "hostname"
)

const (
	DefaultResolveCacheTTL = 5 * time.Minute
	resolveCacheSize       = 4096
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedsync_discovery_resolutions_total",
	Help: "Number of server name resolutions by the method that produced the result",
}, []string{"method"})

// ResolvedServer describes where and how to connect to a server.
type ResolvedServer struct {
	ServerName string
	IP         netip.Addr
	Port       uint16
	// HostHeader is the value of the Host header for requests.
	HostHeader string
	// TLSHostname is the name the certificate is validated against. Empty for IP literals.
	TLSHostname string
	Method      Method
	CertPolicy  CertPolicy
}

// Address returns the ip:port to connect to.
func (rs *ResolvedServer) Address() string {
	return netip.AddrPortFrom(rs.IP, rs.Port).String()
}

func (rs *ResolvedServer) MarshalZerologObject(e *zerolog.Event) {
	e.Str("address", rs.Address())
	e.Str("host_header", rs.HostHeader)
	e.Str("tls_hostname", rs.TLSHostname)
	e.Str("method", string(rs.Method))
}

// DNSResolver is the subset of *net.Resolver used for discovery.
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// WellKnownSource fetches the delegated server name of a hostname.
type WellKnownSource interface {
	Fetch(ctx context.Context, hostname string) (string, error)
}

type cachedResolution struct {
	server    *ResolvedServer
	expiresAt time.Time
}

// Resolver resolves server names into connection targets.
//
// Concurrent first lookups of the same name are not deduplicated: each
// performs the full resolution and the last one to finish populates the cache.
type Resolver struct {
	DNS       DNSResolver
	WellKnown WellKnownSource
	CacheTTL  time.Duration

	cache *lru.Cache[string, cachedResolution]
	now   func() time.Time
}

func NewResolver(dns DNSResolver, wellKnown WellKnownSource, cacheTTL time.Duration) *Resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	if wellKnown == nil {
		wellKnown = NewWellKnownFetcher(nil)
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultResolveCacheTTL
	}
	cache, err := lru.New[string, cachedResolution](resolveCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{
		DNS:       dns,
		WellKnown: wellKnown,
		CacheTTL:  cacheTTL,
		cache:     cache,
		now:       time.Now,
	}
}

// Resolve finds the address, Host header and certificate policy for the given server name.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (*ResolvedServer, error) {
	if cached, ok := r.cache.Get(serverName); ok && r.now().Before(cached.expiresAt) {
		return cached.server, nil
	}
	parsed, err := ParseServerName(serverName)
	if err != nil {
		return nil, err
	}
	log := zerolog.Ctx(ctx).With().Str("server_name", serverName).Logger()
	ctx = log.WithContext(ctx)
	result, err := r.resolveDirect(ctx, parsed)
	if result == nil && err == nil {
		result, err = r.resolveWellKnown(ctx, parsed)
	}
	if result == nil && err == nil {
		result, err = r.resolveIndirect(ctx, parsed.Host)
	}
	if err != nil {
		return nil, err
	}
	result.ServerName = serverName
	resolutionsTotal.WithLabelValues(string(result.Method)).Inc()
	log.Debug().Object("resolved", result).Msg("Resolved server name")
	r.cache.Add(serverName, cachedResolution{server: result, expiresAt: r.now().Add(r.CacheTTL)})
	return result, nil
}

// resolveDirect handles IP literals and explicit ports. It returns nil, nil
// if neither rule applies.
func (r *Resolver) resolveDirect(ctx context.Context, sn ServerName) (*ResolvedServer, error) {
	if sn.IsIPLiteral() {
		return &ResolvedServer{
			IP:         sn.IP,
			Port:       cmp.Or(sn.Port, DefaultPort),
			HostHeader: sn.HostPort(),
			Method:     MethodIPLiteral,
			CertPolicy: CertPolicySkipHostname,
		}, nil
	} else if sn.Port != 0 {
		ip, err := r.lookupIP(ctx, sn.Host)
		if err != nil {
			return nil, err
		}
		return &ResolvedServer{
			IP:          ip,
			Port:        sn.Port,
			HostHeader:  sn.HostPort(),
			TLSHostname: sn.Host,
			Method:      MethodExplicitPort,
			CertPolicy:  CertPolicyHostname,
		}, nil
	}
	return nil, nil
}

func (r *Resolver) resolveWellKnown(ctx context.Context, sn ServerName) (*ResolvedServer, error) {
	delegated, err := r.WellKnown.Fetch(ctx, sn.Host)
	if err != nil {
		// Fall through to SRV with the original hostname
		return nil, nil
	}
	zerolog.Ctx(ctx).Trace().Str("delegated_to", delegated).Msg("Found .well-known delegation")
	target, err := ParseServerName(delegated)
	if err != nil {
		return nil, nil
	}
	result, err := r.resolveDirect(ctx, target)
	if result == nil && err == nil {
		result, err = r.resolveIndirect(ctx, target.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve delegated server %s: %w", delegated, err)
	}
	result.Method = MethodWellKnown
	return result, nil
}

// resolveIndirect tries SRV records and then falls back to port 8448.
func (r *Resolver) resolveIndirect(ctx context.Context, hostname string) (*ResolvedServer, error) {
	for _, srv := range []struct {
		service string
		method  Method
	}{{"matrix-fed", MethodSRVModern}, {"matrix", MethodSRVLegacy}} {
		ip, port, ok := r.lookupSRV(ctx, srv.service, hostname)
		if ok {
			return &ResolvedServer{
				IP:          ip,
				Port:        port,
				HostHeader:  hostname,
				TLSHostname: hostname,
				Method:      srv.method,
				CertPolicy:  CertPolicyHostname,
			}, nil
		}
	}
	ip, err := r.lookupIP(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return &ResolvedServer{
		IP:          ip,
		Port:        DefaultPort,
		HostHeader:  hostname,
		TLSHostname: hostname,
		Method:      MethodFallback,
		CertPolicy:  CertPolicyHostname,
	}, nil
}

func (r *Resolver) lookupSRV(ctx context.Context, service, hostname string) (netip.Addr, uint16, bool) {
	_, records, err := r.DNS.LookupSRV(ctx, service, "tcp", hostname)
	if err != nil {
		zerolog.Ctx(ctx).Trace().Err(err).Str("service", service).Msg("SRV lookup failed")
		return netip.Addr{}, 0, false
	}
	records = slices.Clone(records)
	slices.SortStableFunc(records, func(a, b *net.SRV) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(b.Weight, a.Weight))
	})
	for _, record := range records {
		target := strings.TrimSuffix(record.Target, ".")
		if target == "" || record.Port == 0 {
			continue
		}
		ip, err := r.lookupIP(ctx, target)
		if err != nil {
			zerolog.Ctx(ctx).Trace().Err(err).
				Str("srv_target", net.JoinHostPort(target, strconv.Itoa(int(record.Port)))).
				Msg("Failed to resolve SRV target")
			continue
		}
		return ip, record.Port, true
	}
	return netip.Addr{}, 0, false
}

func (r *Resolver) lookupIP(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := r.DNS.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to look up %s: %w", host, err)
	} else if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w for %s", ErrNoAddresses, host)
	}
	return addrs[0].Unmap(), nil
}
