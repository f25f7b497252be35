package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/cosim/core/factory"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/topology"
)

// HostConfig is the host document: the ordered list of virtual hosts.
type HostConfig struct {
	Hosts []topology.Decl `json:"hosts"`
}

// GridConfig is the grid document.
type GridConfig struct {
	Lines        []model.Line    `json:"lines"`
	Base         model.Base      `json:"base_quantities"`
	SlackBus     int             `json:"slack_bus"`
	SlackVoltage SlackVoltage    `json:"slack_voltage"`
	Resources    []GridResource  `json:"resources"`
	Model        model.GridModel `json:"model"`
	Algorithm    model.Algorithm `json:"algorithm"`
}

// SlackVoltage is either a constant phasor or a trace of
// "timestamp_seconds,real,imaginary" rows.
type SlackVoltage struct {
	UseTrace  bool    `json:"use_trace"`
	TracePath string  `json:"trace_file_path"`
	Real      float64 `json:"voltage_real"`
	Imag      float64 `json:"voltage_imaginary"`
}

// GridResource attaches a resource to a bus.
type GridResource struct {
	Name  string `json:"resource_name"`
	Type  string `json:"resource_type"`
	Bus   int    `json:"bus_index"`
	Phase int    `json:"phase_index"`
}

// ResourceConfig is the resource document. Parameters are kept raw and
// decoded by the constructor registered for the resource type.
type ResourceConfig struct {
	Resources []map[string]any `json:"resources"`
}

// SensorConfig is the sensor document.
type SensorConfig struct {
	Buses []int `json:"sensed_bus_indices"`
	// PeriodMS is the sending period in milliseconds.
	PeriodMS      float64       `json:"sensed_info_sending_freq"`
	Receivers     []Receiver    `json:"receivers_of_sensed_info"`
	LineFrequency LineFrequency `json:"line_frequency"`
}

// Receiver is a host that gets sensed state messages.
type Receiver struct {
	Host string `json:"host_name"`
	Port uint16 `json:"listen_port"`
}

// LineFrequency is either a constant or a "timestamp_seconds,hz" trace.
type LineFrequency struct {
	UseTrace  bool    `json:"use_trace"`
	TracePath string  `json:"trace_file_path"`
	Value     float64 `json:"line_frequency"`
}

// NetworkConfig is the network document. Loss is applied by the network
// virtualization layer and only validated here.
type NetworkConfig struct {
	Loss float64 `json:"loss"`
}

// Files names the five testbed documents.
type Files struct {
	Host     string
	Grid     string
	Resource string
	Sensor   string
	Network  string
}

// Testbed is the validated content of the five documents.
type Testbed struct {
	Files   Files
	Plan    *topology.Plan
	Grid    GridConfig
	Sensor  SensorConfig
	Network NetworkConfig
	// Resources are ready for the resource registry, in grid document order.
	Resources []factory.ModuleConfig

	// entry maps Resources[i] to its index in the resource document.
	entry []int
}

// ResourceError attributes a failure to build Resources[i] to its entry in
// the resource document.
func (tb *Testbed) ResourceError(i int, err error) *Error {
	field := "resources"
	if i >= 0 && i < len(tb.entry) {
		field = fmt.Sprintf("resources[%d]", tb.entry[i])
	}
	return fieldError(tb.Files.Resource, field, err.Error())
}

// GridError attributes a failure to build the grid to a field of the grid
// document.
func (tb *Testbed) GridError(field string, err error) *Error {
	return fieldError(tb.Files.Grid, field, err.Error())
}

// LoadTestbed reads and cross-checks the documents. Relative paths inside a
// document are resolved against the directory of that document. knownTypes
// lists the accepted resource_type values.
func LoadTestbed(files Files, opts topology.Options, knownTypes []string) (*Testbed, error) {
	tb := &Testbed{Files: files}

	plan, err := LoadPlan(files.Host, opts)
	if err != nil {
		return nil, err
	}
	tb.Plan = plan
	if err := loadJSON(files.Grid, &tb.Grid); err != nil {
		return nil, err
	}
	var res ResourceConfig
	if err := loadJSON(files.Resource, &res); err != nil {
		return nil, err
	}
	if err := loadJSON(files.Sensor, &tb.Sensor); err != nil {
		return nil, err
	}
	if err := loadJSON(files.Network, &tb.Network); err != nil {
		return nil, err
	}
	resolveGridPaths(&tb.Grid, filepath.Dir(files.Grid))
	resolveSensorPaths(&tb.Sensor, filepath.Dir(files.Sensor))

	if err := ValidateGrid(files.Grid, tb.Grid, knownTypes); err != nil {
		return nil, err
	}
	if err := checkHosts(files.Host, plan, tb.Grid); err != nil {
		return nil, err
	}
	if err := ValidateSensor(files.Sensor, tb.Sensor, tb.Grid, plan); err != nil {
		return nil, err
	}
	if tb.Network.Loss < 0 || tb.Network.Loss > 100 {
		return nil, fieldError(files.Network, "loss", fmt.Sprintf("%g is not a percentage", tb.Network.Loss))
	}
	tb.Resources, tb.entry, err = resourceModules(files.Resource, res, tb.Grid)
	if err != nil {
		return nil, err
	}
	return tb, nil
}

// LoadPlan reads the host document and allocates the addressing plan.
func LoadPlan(path string, opts topology.Options) (*topology.Plan, error) {
	var hosts HostConfig
	if err := loadJSON(path, &hosts); err != nil {
		return nil, err
	}
	resolveHostPaths(&hosts, filepath.Dir(path))
	plan, err := topology.Allocate(hosts.Hosts, opts)
	if err != nil {
		return nil, hostError(path, err)
	}
	return plan, nil
}

func loadJSON(path string, out any) error {
	if path == "" {
		return &Error{Msg: "missing file path"}
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return &Error{File: path, Msg: err.Error()}
	}
	if err := k.UnmarshalWithConf("", out, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return &Error{File: path, Msg: err.Error()}
	}
	return nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func resolveGridPaths(g *GridConfig, dir string) {
	g.SlackVoltage.TracePath = resolve(dir, g.SlackVoltage.TracePath)
}

func resolveSensorPaths(s *SensorConfig, dir string) {
	s.LineFrequency.TracePath = resolve(dir, s.LineFrequency.TracePath)
}

func resolveHostPaths(h *HostConfig, dir string) {
	for i := range h.Hosts {
		for j := range h.Hosts[i].Executables {
			e := &h.Hosts[i].Executables[j]
			e.Path = resolve(dir, e.Path)
			for k := range e.RequiredFiles {
				e.RequiredFiles[k] = resolve(dir, e.RequiredFiles[k])
			}
		}
	}
}

func hostError(file string, err error) error {
	var he *topology.HostError
	if errors.As(err, &he) {
		return fieldError(file, fmt.Sprintf("hosts[%d]", he.Index), he.Err.Error())
	}
	return fieldError(file, "hosts", err.Error())
}

// ValidateGrid checks the grid document: exactly one slack bus, well formed
// lines, every bus connected to the slack and resources on existing buses.
func ValidateGrid(file string, g GridConfig, knownTypes []string) error {
	if len(g.Lines) == 0 {
		return fieldError(file, "lines", "at least one line is required")
	}
	if g.Base.V <= 0 || g.Base.S <= 0 {
		return fieldError(file, "base_quantities", "V and S must be positive")
	}
	switch g.Model {
	case "", model.SinglePhase, model.ThreePhase:
	default:
		return fieldError(file, "model", fmt.Sprintf("unknown grid model %q", g.Model))
	}
	switch g.Algorithm {
	case "", model.FixedPoint, model.NewtonRaphson:
	default:
		return fieldError(file, "algorithm", fmt.Sprintf("unknown algorithm %q", g.Algorithm))
	}
	for i, l := range g.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		switch {
		case l.From < 0 || l.To < 0:
			return fieldError(file, field, "negative bus index")
		case l.From == l.To:
			return fieldError(file, field, fmt.Sprintf("self loop on bus %d", l.From))
		case l.R == 0 && l.X == 0:
			return fieldError(file, field, "zero impedance")
		}
	}
	n := model.NumBuses(g.Lines)
	if g.SlackBus < 0 || g.SlackBus >= n {
		return fieldError(file, "slack_bus", fmt.Sprintf("bus %d does not exist", g.SlackBus))
	}
	if g.SlackVoltage.UseTrace {
		if g.SlackVoltage.TracePath == "" {
			return fieldError(file, "slack_voltage.trace_file_path", "required when use_trace is set")
		}
	} else if g.SlackVoltage.Real == 0 && g.SlackVoltage.Imag == 0 {
		return fieldError(file, "slack_voltage", "voltage is zero")
	}
	if islands := unreachable(g.Lines, n, g.SlackBus); len(islands) > 0 {
		return fieldError(file, "lines", fmt.Sprintf("buses %v are not connected to the slack bus", islands))
	}

	known := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		known[t] = true
	}
	seen := make(map[string]bool, len(g.Resources))
	for i, r := range g.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		switch {
		case strings.TrimSpace(r.Name) == "":
			return fieldError(file, field+".resource_name", "empty name")
		case seen[r.Name]:
			return fieldError(file, field+".resource_name", fmt.Sprintf("duplicate resource %q", r.Name))
		case len(known) > 0 && !known[r.Type]:
			return fieldError(file, field+".resource_type", fmt.Sprintf("unknown type %q", r.Type))
		case r.Bus < 0 || r.Bus >= n:
			return fieldError(file, field+".bus_index", fmt.Sprintf("bus %d does not exist", r.Bus))
		case r.Bus == g.SlackBus:
			return fieldError(file, field+".bus_index", "resources cannot be attached to the slack bus")
		case r.Phase < int(model.PhaseBalanced) || r.Phase > int(model.PhaseC):
			return fieldError(file, field+".phase_index", fmt.Sprintf("phase %d out of range", r.Phase))
		}
		seen[r.Name] = true
	}
	return nil
}

// unreachable lists the buses with no path to the slack bus.
func unreachable(lines []model.Line, n, slack int) []int {
	adj := make([][]int, n)
	for _, l := range lines {
		adj[l.From] = append(adj[l.From], l.To)
		adj[l.To] = append(adj[l.To], l.From)
	}
	visited := make([]bool, n)
	visited[slack] = true
	queue := []int{slack}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, m := range adj[b] {
			if !visited[m] {
				visited[m] = true
				queue = append(queue, m)
			}
		}
	}
	var out []int
	for b, ok := range visited {
		if !ok {
			out = append(out, b)
		}
	}
	return out
}

// checkHosts ties the plan to the grid: every resource agent must be
// attached to a declared resource, at most one agent per resource, and
// executables must exist on disk.
func checkHosts(file string, plan *topology.Plan, g GridConfig) error {
	resources := make(map[string]bool, len(g.Resources))
	for _, r := range g.Resources {
		resources[r.Name] = true
	}
	owner := map[string]string{}
	for _, h := range plan.Hosts {
		field := fmt.Sprintf("hosts[%d]", h.Index)
		if h.Role == model.RoleResourceAgent {
			if !resources[h.Resource] {
				return fieldError(file, field+".attached_resource_name", fmt.Sprintf("resource %q is not in the grid configuration", h.Resource))
			}
			if prev, ok := owner[h.Resource]; ok {
				return fieldError(file, field+".attached_resource_name", fmt.Sprintf("resource %q already attached to %s", h.Resource, prev))
			}
			owner[h.Resource] = h.Name
		}
		for j, e := range h.Executables {
			if err := checkExecutableFiles(e); err != nil {
				return fieldError(file, fmt.Sprintf("%s.executables[%d]", field, j), err.Error())
			}
		}
	}
	return nil
}

func checkExecutableFiles(e model.Executable) error {
	fi, err := os.Stat(e.Path)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", e.Path)
	}
	for _, f := range e.RequiredFiles {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("required file: %w", err)
		}
	}
	return nil
}

// ValidateSensor checks the sensor document against the grid and the plan.
func ValidateSensor(file string, s SensorConfig, g GridConfig, plan *topology.Plan) error {
	if s.PeriodMS <= 0 {
		return fieldError(file, "sensed_info_sending_freq", "must be positive")
	}
	n := model.NumBuses(g.Lines)
	for i, b := range s.Buses {
		if b < 0 || b >= n {
			return fieldError(file, fmt.Sprintf("sensed_bus_indices[%d]", i), fmt.Sprintf("bus %d does not exist", b))
		}
	}
	for i, r := range s.Receivers {
		field := fmt.Sprintf("receivers_of_sensed_info[%d]", i)
		if _, ok := plan.Lookup(r.Host); !ok {
			return fieldError(file, field+".host_name", fmt.Sprintf("unknown host %q", r.Host))
		}
		if r.Port == 0 {
			return fieldError(file, field+".listen_port", "port is required")
		}
	}
	if s.LineFrequency.UseTrace && s.LineFrequency.TracePath == "" {
		return fieldError(file, "line_frequency.trace_file_path", "required when use_trace is set")
	}
	if !s.LineFrequency.UseTrace && s.LineFrequency.Value < 0 {
		return fieldError(file, "line_frequency.line_frequency", "must not be negative")
	}
	return nil
}

// resourceModules joins the resource parameters with the grid attachment of
// every resource. Keys ending in _path are resolved against the resource
// document directory.
func resourceModules(file string, rc ResourceConfig, g GridConfig) ([]factory.ModuleConfig, []int, error) {
	dir := filepath.Dir(file)
	params := make(map[string]map[string]any, len(rc.Resources))
	index := make(map[string]int, len(rc.Resources))
	for i, r := range rc.Resources {
		name, _ := r["resource_name"].(string)
		if name == "" {
			return nil, nil, fieldError(file, fmt.Sprintf("resources[%d].resource_name", i), "missing name")
		}
		if _, dup := params[name]; dup {
			return nil, nil, fieldError(file, fmt.Sprintf("resources[%d].resource_name", i), fmt.Sprintf("duplicate resource %q", name))
		}
		params[name] = r
		index[name] = i
	}
	out := make([]factory.ModuleConfig, 0, len(g.Resources))
	entry := make([]int, 0, len(g.Resources))
	for _, gr := range g.Resources {
		p, ok := params[gr.Name]
		if !ok {
			return nil, nil, fieldError(file, "resources", fmt.Sprintf("no parameters for resource %q", gr.Name))
		}
		conf := make(map[string]any, len(p)+3)
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p[k]
			if s, ok := v.(string); ok && strings.HasSuffix(k, "_path") {
				v = resolve(dir, s)
			}
			conf[k] = v
		}
		conf["resource_name"] = gr.Name
		conf["bus_index"] = gr.Bus
		conf["phase_index"] = gr.Phase
		out = append(out, factory.ModuleConfig{Type: gr.Type, Conf: conf})
		entry = append(entry, index[gr.Name])
	}
	return out, entry, nil
}
