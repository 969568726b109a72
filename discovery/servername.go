package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"maunium.net/go/mautrix/id"
)

var ErrInvalidServerName = errors.New("invalid server name")

const DefaultPort = 8448

// ServerName is a parsed and validated server name.
type ServerName struct {
	Host string
	// Port is zero if the server name didn't specify one.
	Port uint16
	// IP is set if the host is an IP literal.
	IP netip.Addr
}

func (sn ServerName) IsIPLiteral() bool {
	return sn.IP.IsValid()
}

// HostPort returns the host with the explicit port, if there is one. IPv6
// literals are bracketed.
func (sn ServerName) HostPort() string {
	host := sn.Host
	if sn.IP.Is6() {
		host = "[" + host + "]"
	}
	if sn.Port != 0 {
		return fmt.Sprintf("%s:%d", host, sn.Port)
	}
	return host
}

// ParseServerName validates a server name and splits it into host and port.
func ParseServerName(name string) (ServerName, error) {
	if name == "" {
		return ServerName{}, fmt.Errorf("%w: empty", ErrInvalidServerName)
	} else if strings.Contains(name, "://") {
		return ServerName{}, fmt.Errorf("%w: %q contains a scheme", ErrInvalidServerName, name)
	} else if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return ServerName{}, fmt.Errorf("%w: %q starts or ends with a dot", ErrInvalidServerName, name)
	}
	parsed := id.ParseServerName(name)
	if parsed == nil || parsed.Host == "" || parsed.Port < 0 || parsed.Port > 65535 {
		return ServerName{}, fmt.Errorf("%w: %q", ErrInvalidServerName, name)
	}
	sn := ServerName{Host: strings.Trim(parsed.Host, "[]"), Port: uint16(parsed.Port)}
	if ip, err := netip.ParseAddr(sn.Host); err == nil {
		sn.IP = ip
		sn.Host = ip.String()
	} else if strings.HasPrefix(parsed.Host, "[") {
		return ServerName{}, fmt.Errorf("%w: %q has an invalid IPv6 literal", ErrInvalidServerName, name)
	} else if strings.HasSuffix(sn.Host, ".") || strings.HasPrefix(sn.Host, ".") || strings.Contains(sn.Host, "..") {
		return ServerName{}, fmt.Errorf("%w: %q has an empty label", ErrInvalidServerName, name)
	}
	return sn, nil
}
