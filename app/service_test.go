package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cosim/config"
	"github.com/kilianp07/cosim/core/factory"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/sensor"
	"github.com/kilianp07/cosim/core/topology"
	"github.com/kilianp07/cosim/core/wire"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func testbed(t *testing.T, dir string, receiverPort int) *config.Testbed {
	t.Helper()
	files := config.Files{
		Host: writeJSON(t, dir, "hosts.json", map[string]any{"hosts": []any{
			map[string]any{"host_name": "ra1", "host_type": "RA", "attached_resource_name": "battery1"},
			map[string]any{"host_name": "ga", "host_type": "GA"},
		}}),
		Grid: writeJSON(t, dir, "grid.json", map[string]any{
			"lines": []any{
				map[string]any{"from": 0, "to": 1, "R": 0.05, "X": 0.1},
				map[string]any{"from": 1, "to": 2, "R": 0.05, "X": 0.1},
			},
			"base_quantities": map[string]any{"V": 400, "S": 100000},
			"slack_voltage":   map[string]any{"voltage_real": 400},
			"resources": []any{
				map[string]any{"resource_name": "battery1", "resource_type": "battery", "bus_index": 1},
			},
		}),
		Resource: writeJSON(t, dir, "resources.json", map[string]any{"resources": []any{
			map[string]any{"resource_name": "battery1", "initialSoC": 0.5, "ratedE": 10000, "inverter_efficiency": 0.95},
		}}),
		Sensor: writeJSON(t, dir, "sensor.json", map[string]any{
			"sensed_bus_indices":       []any{1},
			"sensed_info_sending_freq": 50,
			"receivers_of_sensed_info": []any{map[string]any{"host_name": "ga", "listen_port": receiverPort}},
			"line_frequency":           map[string]any{"line_frequency": 50},
		}),
		Network: writeJSON(t, dir, "network.json", map[string]any{"loss": 0}),
	}
	tb, err := config.LoadTestbed(files, topology.Options{ModelPort: 47310, AgentPort: 47410, GridPort: 47510}, ResourceKinds())
	require.NoError(t, err)
	return tb
}

func readDatagram(t *testing.T, pc *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, wire.MaxDatagram)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, _, err := pc.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestServiceRunLocal(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	dir := t.TempDir()
	tb := testbed(t, dir, recv.LocalAddr().(*net.UDPAddr).Port)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bind.Host = "127.0.0.1"
	cfg.Scheduler.PeriodMS = 50
	cfg.Scheduler.CollectWindowMS = 40
	cfg.Scheduler.TimeLimitMinutes = 0.02

	out := filepath.Join(dir, "out")
	svc, err := New(cfg, tb, Options{OutputDir: out})
	require.NoError(t, err)
	defer svc.Close()
	require.NotEmpty(t, svc.RunID)

	addrs := svc.server.Addrs()
	require.Len(t, addrs, 2)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:47310"), addrs[0])
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:47512"), addrs[1])

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	var sensed struct {
		Type  string            `json:"type"`
		Buses []model.SensedBus `json:"buses"`
	}
	require.NoError(t, json.Unmarshal([]byte(readDatagram(t, recv)), &sensed))
	assert.Equal(t, "sensed_state", sensed.Type)
	// No power flows, so bus 1 sits at the slack voltage: 400 V line to
	// line, reported per phase.
	require.Len(t, sensed.Buses, 3)
	angles := map[int]float64{sensor.PhaseRef: 0, sensor.PhasePlus: 120, sensor.PhaseMinus: -120}
	for _, b := range sensed.Buses {
		assert.Equal(t, 1, b.BusIndex)
		mag, deg := model.Polar(complex(b.VReal, b.VImag))
		assert.InDelta(t, 400/math.Sqrt(3), mag, 1e-3)
		assert.InDelta(t, angles[b.PhaseIndex], deg, 1e-3)
		assert.InDelta(t, 0, b.P, 1e-6)
	}

	cli, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addrs[1]))
	require.NoError(t, err)
	defer cli.Close()
	_, err = cli.Write(wire.EncodeRequest())
	require.NoError(t, err)
	assert.Contains(t, readDatagram(t, cli), `"type":"grid_state"`)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop at the time limit")
	}
	assert.Greater(t, svc.sched.Steps(), uint64(0))
	assert.Equal(t, uint64(1), svc.server.Stats().Requests)

	data, err := os.ReadFile(filepath.Join(out, MappingFile))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"grid"`))
}

func TestServiceRunCancelled(t *testing.T) {
	dir := t.TempDir()
	tb := testbed(t, dir, 47999)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bind.Host = "127.0.0.1"
	cfg.Scheduler.PeriodMS = 20
	cfg.Scheduler.CollectWindowMS = 15

	svc, err := New(cfg, tb, Options{})
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Run(ctx))
}

func TestNewRejectsResourceParameters(t *testing.T) {
	dir := t.TempDir()
	tb := testbed(t, dir, 47999)
	tb.Resources[0].Conf["initialSoC"] = 2.0
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bind.Host = "127.0.0.1"

	out := filepath.Join(dir, "out")
	_, err = New(cfg, tb, Options{OutputDir: out})
	var ce *config.Error
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, tb.Files.Resource, ce.File)
	assert.Equal(t, "resources[0]", ce.Field)
	assert.Contains(t, ce.Msg, "initialSoC")
	_, err = os.Stat(filepath.Join(out, MappingFile))
	assert.True(t, os.IsNotExist(err))
}

func TestAddressingOffsetsPorts(t *testing.T) {
	h := model.Host{Index: 3, Name: "ra4", IP: netip.MustParseAddr("10.0.3.1"), ModelPort: 34343, AgentPort: 43434}

	virt := addressing{}
	ap, err := virt.model(h)
	require.NoError(t, err)
	assert.Equal(t, "10.0.3.1:34343", ap.String())
	assert.NotNil(t, virt.sources([]model.Host{h}))

	local := addressing{bind: config.BindConfig{Host: "127.0.0.1"}}
	ap, err = local.agent(h)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:43437", ap.String())
	assert.Equal(t, "127.0.0.1:5000", local.receiver(h, 5000).String())
	assert.Nil(t, local.sources([]model.Host{h}))

	h.ModelPort = 65535
	_, err = local.model(h)
	var ce *config.Error
	assert.True(t, errors.As(err, &ce))
}

func TestTagRun(t *testing.T) {
	in := []factory.ModuleConfig{
		{Type: "nop"},
		{Type: "influx", Conf: map[string]any{"url": "http://x"}},
		{Type: "influx", Conf: map[string]any{"run_id": "fixed"}},
	}
	out := tagRun(in, "r1")
	assert.Nil(t, out[0].Conf)
	assert.Equal(t, "r1", out[1].Conf["run_id"])
	assert.Equal(t, "fixed", out[2].Conf["run_id"])
	_, touched := in[1].Conf["run_id"]
	assert.False(t, touched)
}
