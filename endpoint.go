package courier

import (
	"net"
	"strconv"
)

// Endpoint identifies one side of a connection as a (host, port) pair.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in "host:port" form, suitable for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }

// endpointFromAddr derives an Endpoint from a net.Addr. Addresses without a
// port component (e.g. net.Pipe ends) come back with port 0.
func endpointFromAddr(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{Host: addr.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}
