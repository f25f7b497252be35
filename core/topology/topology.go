// Package topology assigns virtual network addresses and ports to the hosts
// declared in the testbed host configuration.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/cosim/core/model"
)

const (
	// MaxHosts is the number of /24 host subnets available, grid host included.
	MaxHosts = 255 * 255

	DefaultModelPort uint16 = 34343
	DefaultAgentPort uint16 = 43434
	DefaultGridPort  uint16 = 12347

	// GridHostName is the name given to the host running the grid model.
	GridHostName = "grid"
)

var (
	ErrDuplicateHost       = errors.New("duplicate host name")
	ErrEmptyHostName       = errors.New("empty host name")
	ErrTooManyHosts        = errors.New("too many hosts")
	ErrMalformedExecutable = errors.New("malformed executable")
	ErrMissingResource     = errors.New("resource agent without attached resource")
)

// Decl is one host as declared in the host configuration.
type Decl struct {
	Name        string             `json:"host_name"`
	Role        string             `json:"host_type"`
	Resource    string             `json:"attached_resource_name,omitempty"`
	ModelPort   uint16             `json:"model_listen_port,omitempty"`
	AgentPort   uint16             `json:"agent_listen_port,omitempty"`
	Executables []model.Executable `json:"executables,omitempty"`
}

// Options hold the port defaults applied to hosts that do not override them.
type Options struct {
	ModelPort uint16
	AgentPort uint16
	GridPort  uint16
}

func (o *Options) setDefaults() {
	if o.ModelPort == 0 {
		o.ModelPort = DefaultModelPort
	}
	if o.AgentPort == 0 {
		o.AgentPort = DefaultAgentPort
	}
	if o.GridPort == 0 {
		o.GridPort = DefaultGridPort
	}
}

// Plan is the immutable addressing of a testbed run. Hosts keep declaration
// order; the grid host is always last.
type Plan struct {
	Hosts []model.Host `json:"hosts" yaml:"hosts"`
}

// HostError reports which declared host was rejected.
type HostError struct {
	Index int
	Name  string
	Err   error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host %d (%q): %v", e.Index, e.Name, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

// HostAddr returns the host address of subnet i, 10.(i/255).(i%255).1.
func HostAddr(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(i / 255), byte(i % 255), 1})
}

// GatewayAddr returns the router address of subnet i.
func GatewayAddr(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(i / 255), byte(i % 255), 254})
}

// LANAddr returns the i-th address of the 192.168.0.0/16 LAN.
func LANAddr(i int) netip.Addr {
	n := i + 1
	return netip.AddrFrom4([4]byte{192, 168, byte(n >> 8), byte(n)})
}

// Allocate validates the declarations and assigns addresses. Nothing is
// returned unless every host is valid.
func Allocate(decls []Decl, opts Options) (*Plan, error) {
	opts.setDefaults()
	if len(decls)+1 > MaxHosts {
		return nil, fmt.Errorf("%w: %d declared, at most %d including the grid host", ErrTooManyHosts, len(decls), MaxHosts-1)
	}

	seen := make(map[string]int, len(decls)+1)
	hosts := make([]model.Host, 0, len(decls)+1)
	for i, d := range decls {
		h, err := buildHost(i, d, opts)
		if err != nil {
			return nil, &HostError{Index: i, Name: d.Name, Err: err}
		}
		if first, dup := seen[h.Name]; dup {
			return nil, &HostError{Index: i, Name: d.Name, Err: fmt.Errorf("%w (first declared at %d)", ErrDuplicateHost, first)}
		}
		seen[h.Name] = i
		hosts = append(hosts, h)
	}

	n := len(decls)
	if first, dup := seen[GridHostName]; dup {
		return nil, &HostError{Index: first, Name: GridHostName, Err: fmt.Errorf("%w: name is reserved for the grid host", ErrDuplicateHost)}
	}
	hosts = append(hosts, model.Host{
		Index:     n,
		Name:      GridHostName,
		Role:      model.RoleGrid,
		IP:        HostAddr(n),
		Gateway:   GatewayAddr(n),
		LANIP:     LANAddr(n),
		ModelPort: opts.GridPort,
	})
	return &Plan{Hosts: hosts}, nil
}

func buildHost(i int, d Decl, opts Options) (model.Host, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return model.Host{}, ErrEmptyHostName
	}
	role, err := model.ParseHostRole(d.Role)
	if err != nil {
		return model.Host{}, err
	}
	for j, e := range d.Executables {
		if err := checkExecutable(e); err != nil {
			return model.Host{}, fmt.Errorf("executable %d: %w", j, err)
		}
	}
	h := model.Host{
		Index:       i,
		Name:        name,
		Role:        role,
		IP:          HostAddr(i),
		Gateway:     GatewayAddr(i),
		Executables: cloneExecutables(d.Executables),
	}
	if role == model.RoleResourceAgent {
		if strings.TrimSpace(d.Resource) == "" {
			return model.Host{}, ErrMissingResource
		}
		h.Resource = d.Resource
		h.LANIP = LANAddr(i)
		h.ModelPort = pick(d.ModelPort, opts.ModelPort)
		h.AgentPort = pick(d.AgentPort, opts.AgentPort)
		if h.ModelPort == h.AgentPort {
			return model.Host{}, fmt.Errorf("model and agent ports are both %d", h.ModelPort)
		}
	}
	return h, nil
}

func checkExecutable(e model.Executable) error {
	if strings.TrimSpace(e.Path) == "" {
		return fmt.Errorf("%w: empty executable_path", ErrMalformedExecutable)
	}
	if strings.ContainsRune(e.Path, 0) {
		return fmt.Errorf("%w: executable_path contains NUL", ErrMalformedExecutable)
	}
	for k, f := range e.RequiredFiles {
		if strings.TrimSpace(f) == "" || strings.ContainsRune(f, 0) {
			return fmt.Errorf("%w: required_files_paths[%d] is invalid", ErrMalformedExecutable, k)
		}
	}
	for k, a := range e.Args {
		if strings.ContainsRune(a, 0) {
			return fmt.Errorf("%w: command_line_arguments[%d] contains NUL", ErrMalformedExecutable, k)
		}
	}
	return nil
}

func cloneExecutables(in []model.Executable) []model.Executable {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Executable, len(in))
	for i, e := range in {
		out[i] = model.Executable{
			Path:          e.Path,
			Args:          append([]string(nil), e.Args...),
			RequiredFiles: append([]string(nil), e.RequiredFiles...),
		}
	}
	return out
}

func pick(v, def uint16) uint16 {
	if v != 0 {
		return v
	}
	return def
}

// Lookup returns the host with the given name.
func (p *Plan) Lookup(name string) (model.Host, bool) {
	for _, h := range p.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return model.Host{}, false
}

// Grid returns the grid host.
func (p *Plan) Grid() model.Host { return p.Hosts[len(p.Hosts)-1] }

// ResourceAgents returns the RA hosts in declaration order.
func (p *Plan) ResourceAgents() []model.Host {
	var out []model.Host
	for _, h := range p.Hosts {
		if h.Role == model.RoleResourceAgent {
			out = append(out, h)
		}
	}
	return out
}

// AgentFor returns the RA host attached to the named resource.
func (p *Plan) AgentFor(resource string) (model.Host, bool) {
	for _, h := range p.Hosts {
		if h.Role == model.RoleResourceAgent && h.Resource == resource {
			return h, true
		}
	}
	return model.Host{}, false
}

// Mapping returns host name to "ip/24".
func (p *Plan) Mapping() map[string]string {
	out := make(map[string]string, len(p.Hosts))
	for _, h := range p.Hosts {
		out[h.Name] = netip.PrefixFrom(h.IP, 24).String()
	}
	return out
}

// WriteMapping writes the host mapping as JSON. Keys are sorted by the
// encoder so the file is stable across runs.
func (p *Plan) WriteMapping(path string) error {
	data, err := json.Marshal(p.Mapping())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return nil
}

// YAML renders the plan for the plan command.
func (p *Plan) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}
