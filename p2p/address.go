package p2p

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Multiaddr is the textual peer address format understood by the network
// layer. Supported forms:
//
//	/ip4/203.0.113.7/tcp/18189
//	/ip6/2001:db8::1/tcp/18189
//	/dns4/seed1.example.com/tcp/18189
//	/dns6/seed1.example.com/tcp/18189
//	/onion3/<56 char base32>:<port>
//	/memory/<listener id>
type Multiaddr struct {
	scheme string
	host   string
	port   uint16
}

const (
	schemeIP4    = "ip4"
	schemeIP6    = "ip6"
	schemeDNS4   = "dns4"
	schemeDNS6   = "dns6"
	schemeOnion3 = "onion3"
	schemeMemory = "memory"
)

const onion3AddrLen = 56

var (
	ErrInvalidMultiaddr = errors.New("p2p: invalid multiaddr")
	ErrZeroPort         = errors.New("p2p: multiaddr requires a nonzero tcp port")
)

var onionBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ParseMultiaddr parses and structurally validates an address string.
func ParseMultiaddr(s string) (Multiaddr, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 3 || parts[0] != "" {
		return Multiaddr{}, fmt.Errorf("%w: %q", ErrInvalidMultiaddr, s)
	}
	scheme := parts[1]
	switch scheme {
	case schemeIP4, schemeIP6, schemeDNS4, schemeDNS6:
		if len(parts) != 5 || parts[3] != "tcp" {
			return Multiaddr{}, fmt.Errorf("%w: %q", ErrInvalidMultiaddr, s)
		}
		host := parts[2]
		if err := validateHost(scheme, host); err != nil {
			return Multiaddr{}, err
		}
		port, err := parsePort(parts[4])
		if err != nil {
			return Multiaddr{}, err
		}
		return Multiaddr{scheme: scheme, host: host, port: port}, nil
	case schemeOnion3:
		if len(parts) != 3 {
			return Multiaddr{}, fmt.Errorf("%w: %q", ErrInvalidMultiaddr, s)
		}
		host, portStr, ok := strings.Cut(parts[2], ":")
		if !ok {
			return Multiaddr{}, fmt.Errorf("%w: onion3 requires a port", ErrInvalidMultiaddr)
		}
		if err := validateOnion3(host); err != nil {
			return Multiaddr{}, err
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Multiaddr{}, err
		}
		return Multiaddr{scheme: schemeOnion3, host: host, port: port}, nil
	case schemeMemory:
		if len(parts) != 3 || parts[2] == "" {
			return Multiaddr{}, fmt.Errorf("%w: %q", ErrInvalidMultiaddr, s)
		}
		return Multiaddr{scheme: schemeMemory, host: parts[2]}, nil
	default:
		return Multiaddr{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidMultiaddr, scheme)
	}
}

// MustMultiaddr parses an address and panics on failure. Test helper.
func MustMultiaddr(s string) Multiaddr {
	addr, err := ParseMultiaddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func validateHost(scheme, host string) error {
	switch scheme {
	case schemeIP4:
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: bad ip4 host %q", ErrInvalidMultiaddr, host)
		}
	case schemeIP6:
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: bad ip6 host %q", ErrInvalidMultiaddr, host)
		}
	case schemeDNS4, schemeDNS6:
		if host == "" || strings.ContainsAny(host, " /") {
			return fmt.Errorf("%w: bad dns host %q", ErrInvalidMultiaddr, host)
		}
	}
	return nil
}

// validateOnion3 checks the v3 hidden service address: 56 base32 characters
// decoding to pubkey(32) || checksum(2) || version(0x03), with
// checksum = sha3_256(".onion checksum" || pubkey || version)[:2].
func validateOnion3(host string) error {
	if len(host) != onion3AddrLen {
		return fmt.Errorf("%w: onion3 address must be %d chars", ErrInvalidMultiaddr, onion3AddrLen)
	}
	raw, err := onionBase32.DecodeString(strings.ToUpper(host))
	if err != nil {
		return fmt.Errorf("%w: onion3 base32: %v", ErrInvalidMultiaddr, err)
	}
	if len(raw) != 35 {
		return fmt.Errorf("%w: onion3 decoded length %d", ErrInvalidMultiaddr, len(raw))
	}
	pubkey, checksum, version := raw[:32], raw[32:34], raw[34]
	if version != 0x03 {
		return fmt.Errorf("%w: onion3 version %d", ErrInvalidMultiaddr, version)
	}
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey)
	h.Write([]byte{version})
	if sum := h.Sum(nil); sum[0] != checksum[0] || sum[1] != checksum[1] {
		return fmt.Errorf("%w: onion3 checksum mismatch", ErrInvalidMultiaddr)
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrInvalidMultiaddr, s)
	}
	if port == 0 {
		return 0, ErrZeroPort
	}
	return uint16(port), nil
}

func (a Multiaddr) String() string {
	switch a.scheme {
	case schemeOnion3:
		return fmt.Sprintf("/onion3/%s:%d", a.host, a.port)
	case schemeMemory:
		return "/memory/" + a.host
	case "":
		return ""
	default:
		return fmt.Sprintf("/%s/%s/tcp/%d", a.scheme, a.host, a.port)
	}
}

// IsZero reports whether the address is the empty value.
func (a Multiaddr) IsZero() bool {
	return a.scheme == ""
}

// DialString returns the host:port form used by stream transports.
func (a Multiaddr) DialString() string {
	return net.JoinHostPort(a.host, strconv.Itoa(int(a.port)))
}

// IsTestAddress reports whether the address is only reachable in test
// deployments: loopback, link-local, unspecified or in-memory endpoints.
func (a Multiaddr) IsTestAddress() bool {
	switch a.scheme {
	case schemeMemory:
		return true
	case schemeIP4, schemeIP6:
		ip := net.ParseIP(a.host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler for JSON persistence.
func (a Multiaddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Multiaddr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Multiaddr{}
		return nil
	}
	parsed, err := ParseMultiaddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// InRange reports whether the address host falls inside the CIDR range.
// Non-IP addresses never match.
func (a Multiaddr) InRange(cidr *net.IPNet) bool {
	if cidr == nil {
		return false
	}
	switch a.scheme {
	case schemeIP4, schemeIP6:
		ip := net.ParseIP(a.host)
		return ip != nil && cidr.Contains(ip)
	default:
		return false
	}
}
