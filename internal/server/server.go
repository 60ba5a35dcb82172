package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when a server is configured without a port (or with 0)
const DefaultPort uint16 = 6667

// ErrInvalidHostName is returned for empty host names or names containing spaces
var ErrInvalidHostName = errors.New("invalid host name")

// Server describes an upstream IRC server. It is immutable once built.
type Server struct {
	name string
	port uint16
	pass string
	ssl  bool
}

// New validates name and builds a Server. A zero port becomes DefaultPort.
func New(name string, port uint16, pass string, ssl bool) (Server, error) {
	if !IsValidHostName(name) {
		return Server{}, fmt.Errorf("%w: %q", ErrInvalidHostName, name)
	}
	if port == 0 {
		port = DefaultPort
	}
	return Server{name: name, port: port, pass: pass, ssl: ssl}, nil
}

// Parse reads the "host [+]port [pass]" form produced by String. The
// password is everything after the separator that follows the port, kept
// verbatim.
func Parse(line string) (Server, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if name == "" {
		return Server{}, fmt.Errorf("%w: empty server line", ErrInvalidHostName)
	}

	var port uint16
	var ssl bool

	portField, pass, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if portField != "" {
		p := portField
		if strings.HasPrefix(p, "+") {
			ssl = true
			p = p[1:]
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Server{}, fmt.Errorf("invalid port %q: %w", portField, err)
		}
		port = uint16(n)
	}

	return New(name, port, pass, ssl)
}

// IsValidHostName reports whether name is non-empty and contains no spaces
func IsValidHostName(name string) bool {
	return name != "" && !strings.Contains(name, " ")
}

func (s Server) Name() string { return s.name }
func (s Server) Port() uint16 { return s.port }
func (s Server) Pass() string { return s.pass }
func (s Server) SSL() bool    { return s.ssl }

// Address returns host:port, suitable for dialing
func (s Server) Address() string {
	return net.JoinHostPort(s.name, strconv.Itoa(int(s.port)))
}

// String renders the server as "name [+]port[ pass]"
func (s Server) String() string {
	var b strings.Builder
	b.WriteString(s.name)
	b.WriteByte(' ')
	if s.ssl {
		b.WriteByte('+')
	}
	b.WriteString(strconv.Itoa(int(s.port)))
	if s.pass != "" {
		b.WriteByte(' ')
		b.WriteString(s.pass)
	}
	return b.String()
}
