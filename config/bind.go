package config

import (
	"fmt"
	"net/netip"
)

// BindConfig selects where the simulation sockets are bound.
//
// By default every resource model listens on the address of its host in the
// virtual network, which only exists once the hosts are set up. Host binds
// every endpoint to one local address instead; resource models then listen on
// their model port plus the host index so that they do not collide, and agents
// are expected on their agent port plus the host index.
type BindConfig struct {
	Host string `json:"host"`
}

// Local reports whether all endpoints share one address.
func (c BindConfig) Local() bool { return c.Host != "" }

// Addr returns the parsed bind address.
func (c BindConfig) Addr() netip.Addr {
	a, _ := netip.ParseAddr(c.Host)
	return a
}

func (c BindConfig) Validate() error {
	if c.Host == "" {
		return nil
	}
	if _, err := netip.ParseAddr(c.Host); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	return nil
}
