package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// HostRole is the kind of virtual host an agent runs in.
type HostRole string

const (
	RoleResourceAgent HostRole = "RA"
	RoleGridAgent     HostRole = "GA"
	RoleGrid          HostRole = "grid"
)

// ParseHostRole validates a host_type value from the host configuration.
func ParseHostRole(s string) (HostRole, error) {
	switch HostRole(strings.TrimSpace(s)) {
	case RoleResourceAgent:
		return RoleResourceAgent, nil
	case RoleGridAgent:
		return RoleGridAgent, nil
	default:
		return "", fmt.Errorf("unknown host type %q", s)
	}
}

// Executable is an agent program to be started inside a host.
type Executable struct {
	Path          string   `json:"executable_path" yaml:"executable_path"`
	Args          []string `json:"command_line_arguments" yaml:"command_line_arguments"`
	RequiredFiles []string `json:"required_files_paths" yaml:"required_files_paths"`
}

// Host is a virtual host of the testbed with its assigned addressing. IP is
// the host address in its own 10.x.y.0/24 subnet, Gateway the router address
// of that subnet and LANIP the address on the 192.168.0.0/16 LAN shared by the
// grid host and the resource agents.
type Host struct {
	Index       int          `json:"index" yaml:"index"`
	Name        string       `json:"host_name" yaml:"host_name"`
	Role        HostRole     `json:"host_type" yaml:"host_type"`
	Resource    string       `json:"attached_resource_name,omitempty" yaml:"attached_resource_name,omitempty"`
	IP          netip.Addr   `json:"ip" yaml:"ip"`
	Gateway     netip.Addr   `json:"gateway" yaml:"gateway"`
	LANIP       netip.Addr   `json:"lan_ip,omitempty" yaml:"lan_ip,omitempty"`
	ModelPort   uint16       `json:"model_listen_port,omitempty" yaml:"model_listen_port,omitempty"`
	AgentPort   uint16       `json:"agent_listen_port,omitempty" yaml:"agent_listen_port,omitempty"`
	Executables []Executable `json:"executables,omitempty" yaml:"executables,omitempty"`
}

// ModelAddr is the address the resource model listens on for its agent.
func (h Host) ModelAddr() netip.AddrPort { return netip.AddrPortFrom(h.IP, h.ModelPort) }

// AgentAddr is the address the agent listens on for its resource model.
func (h Host) AgentAddr() netip.AddrPort { return netip.AddrPortFrom(h.IP, h.AgentPort) }
