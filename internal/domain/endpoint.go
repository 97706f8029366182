package domain

import (
	"net"
	"strconv"
)

// Endpoint is a backing service that must accept TCP connections before the
// install sequence starts.
type Endpoint struct {
	Name string
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Name + "(" + e.Address() + ")"
}
