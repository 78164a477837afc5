package plan

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	TCP  = `tcp`
	Unix = `unix`
)

// Addr is the address of a fabric endpoint, either a TCP host:port or a
// filesystem socket path.
type Addr struct {
	Network string
	Address string
}

func TCPAddr(host string, port int) Addr {
	return Addr{
		Network: TCP,
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
	}
}

func UnixAddr(path string) Addr {
	return Addr{
		Network: Unix,
		Address: path,
	}
}

func (a Addr) String() string {
	return a.Network + "://" + a.Address
}

func (a Addr) IsZero() bool {
	return a.Network == "" && a.Address == ""
}

var (
	errInvalidAddr = errors.New("invalid address")
	errInvalidPort = errors.New("invalid port")
)

// ParseAddr is the inverse of Addr.String.
func ParseAddr(val string) (Addr, error) {
	parts := strings.SplitN(val, "://", 2)
	if len(parts) != 2 || len(parts[1]) == 0 {
		return Addr{}, fmt.Errorf("%w: %q", errInvalidAddr, val)
	}
	switch parts[0] {
	case TCP:
		_, p, err := net.SplitHostPort(parts[1])
		if err != nil {
			return Addr{}, err
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return Addr{}, err
		}
		if int(uint16(port)) != port {
			return Addr{}, errInvalidPort
		}
		return Addr{Network: TCP, Address: parts[1]}, nil
	case Unix:
		return UnixAddr(parts[1]), nil
	}
	return Addr{}, fmt.Errorf("%w: unsupported network %q", errInvalidAddr, parts[0])
}

// FromNetAddr converts the address reported by a listener.
func FromNetAddr(a net.Addr) Addr {
	return Addr{
		Network: a.Network(),
		Address: a.String(),
	}
}

// UnixSockSupported reports whether filesystem sockets can be used on this OS.
func UnixSockSupported() bool {
	return runtime.GOOS != "windows" && runtime.GOOS != "plan9"
}

// maxSockPath is the smallest sun_path among supported systems, less the
// terminating NUL.
const maxSockPath = 103

// SockFile returns a fresh socket path for an endpoint named name.
func SockFile(name string) string {
	id := uuid.New()
	return filepath.Join(os.TempDir(), fmt.Sprintf("kf-%x-%s.sock", id[:4], name))
}

// SockPathFits reports whether path can be bound as a filesystem socket.
func SockPathFits(path string) bool {
	return len(path) <= maxSockPath
}

// WithPortOffset shifts a base port to avoid collisions between jobs sharing a host.
func WithPortOffset(base, offset int) (int, error) {
	port := base + offset
	if port <= 0 || int(uint16(port)) != port {
		return 0, fmt.Errorf("%w: %d + %d", errInvalidPort, base, offset)
	}
	return port, nil
}
