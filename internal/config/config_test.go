package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/lightsheet/internal/devices/filterwheel"
	"github.com/banshee-data/lightsheet/internal/devices/stage"
)

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load("testdata/instrument.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "bench-1" {
		t.Errorf("Name = %q, want bench-1", cfg.Name)
	}

	lens := cfg.TunableLenses[0].Driver()
	if lens.Settle != 500*time.Millisecond {
		t.Errorf("lens Settle = %v, want 500ms", lens.Settle)
	}
	if !lens.Handshake || lens.MaxCurrentMA != 293 {
		t.Errorf("lens config = %+v", lens)
	}

	wheel := cfg.FilterWheels[0].Driver()
	if wheel.Speed != filterwheel.SpeedHigh {
		t.Errorf("wheel Speed = %q, want high", wheel.Speed)
	}
	if diff := cmp.Diff(map[string]int{"BP405": 1, "BP488": 2, "BP561": 3, "LP638": 4}, wheel.Filters); diff != "" {
		t.Errorf("wheel Filters mismatch (-want +got):\n%s", diff)
	}

	ctrl := cfg.Stages[0].Controller()
	want := stage.ControllerConfig{
		Name:         "ms2000",
		Port:         "/dev/ttyUSB2",
		Axes:         []string{"X", "Y", "Z"},
		PollInterval: 20 * time.Millisecond,
	}
	want.Serial.ReadTimeout = 2 * time.Second
	if diff := cmp.Diff(want, ctrl); diff != "" {
		t.Errorf("Controller() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Stages[0].Axes[1].HardwareAxis; got != "-Z" {
		t.Errorf("sample-z hardware axis = %q, want -Z", got)
	}

	l := cfg.Lasers[0].Driver()
	if diff := cmp.Diff(map[int]float64{0: 0, 1: 3.2}, l.Coefficients); diff != "" {
		t.Errorf("laser Coefficients mismatch (-want +got):\n%s", diff)
	}
	if cfg.Cameras[0].Driver().Serial != "302482" {
		t.Errorf("camera serial = %q", cfg.Cameras[0].Driver().Serial)
	}
	if got := cfg.Kinesis[0].Driver().HomeWait; got != 10*time.Second {
		t.Errorf("kinesis HomeWait = %v, want 10s", got)
	}

	names := []string{"camera", "emission", "etl", "focus", "laser-488", "laser-561", "sample-x", "sample-z"}
	if diff := cmp.Diff(names, cfg.DeviceNames()); diff != "" {
		t.Errorf("DeviceNames() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load("testdata/instrument.toml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.TunableLenses[0].Settle.Duration; got != 500*time.Millisecond {
		t.Errorf("Settle = %v, want 500ms", got)
	}
	if got := cfg.FilterWheels[0].Filters["BP488"]; got != 2 {
		t.Errorf("BP488 position = %d, want 2", got)
	}
	if got := cfg.Stages[0].Controller().PollInterval; got != 20*time.Millisecond {
		t.Errorf("PollInterval = %v, want 20ms", got)
	}
}

func TestLoad_JSON(t *testing.T) {
	cfg, err := Load("testdata/instrument.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Lasers) != 1 || cfg.Lasers[0].Prefix != "1" {
		t.Fatalf("Lasers = %+v", cfg.Lasers)
	}
	if got := cfg.Kinesis[0].HomeWait.Duration; got != time.Second {
		t.Errorf("HomeWait = %v, want 1s", got)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "a.yaml", "name: x\nlazers: []\n"},
		{"toml", "a.toml", "name = \"x\"\nlazers = []\n"},
		{"json", "a.json", `{"name": "x", "lazers": []}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.file, tc.body))
			if err == nil {
				t.Fatal("expected error for unknown key, got nil")
			}
			if !strings.Contains(err.Error(), "lazers") {
				t.Errorf("error %q does not name the unknown key", err)
			}
		})
	}
}

func TestLoad_FileChecks(t *testing.T) {
	if _, err := Load("testdata/instrument.ini"); err == nil {
		t.Error("expected error for .ini extension")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	big := writeConfig(t, "big.yaml", "name: x\n#"+strings.Repeat("x", maxFileSize)+"\n")
	_, err := Load(big)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load(big) error = %v, want too large", err)
	}
}

func TestLoad_EmptyYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yaml", ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.DeviceNames()) != 0 {
		t.Errorf("DeviceNames() = %v, want none", cfg.DeviceNames())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			"duplicate names",
			"cameras:\n  - {name: a, serial_number: '1'}\nkinesis:\n  - {name: a, serial_number: '2'}\n",
			"already used",
		},
		{
			"missing port",
			"tunable_lenses:\n  - {name: etl}\n",
			"port is required",
		},
		{
			"bad duration",
			"tunable_lenses:\n  - {name: etl, port: /dev/x, settle: soon}\n",
			"invalid duration",
		},
		{
			"no home filter",
			"filter_wheels:\n  - {name: w, port: /dev/x, filters: {a: 2}}\n",
			"home position",
		},
		{
			"unknown hardware axis",
			"stages:\n  - name: s\n    port: /dev/x\n    axes:\n      - {name: ax, hardware_axis: Q, instrument_axis: x}\n",
			"hardware axis",
		},
		{
			"instrument axis bound twice",
			"stages:\n  - name: s\n    port: /dev/x\n    axes:\n      - {name: a1, hardware_axis: X, instrument_axis: x}\n      - {name: a2, hardware_axis: Y, instrument_axis: -x}\n",
			"bound twice",
		},
		{
			"bad laser prefix",
			"lasers:\n  - {name: l, port: /dev/x, prefix: '7', max_power_mw: 10}\n",
			"prefix",
		},
		{
			"bad parity",
			"cameras: []\nlasers:\n  - {name: l, port: /dev/x, prefix: '1', max_power_mw: 10, serial: {parity: Q}}\n",
			"parity",
		},
		{
			"camera without serial",
			"cameras:\n  - {name: cam}\n",
			"serial_number is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body), "yaml")
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse([]byte("x"), "ini"); err == nil {
		t.Error("expected error for ini format")
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte(" 1m30s ")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 1m30s", d.Duration)
	}
	b, _ := d.MarshalText()
	if string(b) != "1m30s" {
		t.Errorf("MarshalText() = %q, want 1m30s", b)
	}
	if err := d.UnmarshalText([]byte("")); err != nil || d.Duration != 0 {
		t.Errorf("empty duration = %v, %v", d.Duration, err)
	}
}

func TestSerial_PortOptions(t *testing.T) {
	s := Serial{BaudRate: 19200, Parity: "E", ReadTimeout: Duration{250 * time.Millisecond}}
	opts := s.PortOptions()
	if opts.BaudRate != 19200 || opts.Parity != "E" || opts.ReadTimeout != 250*time.Millisecond {
		t.Errorf("PortOptions() = %+v", opts)
	}
}
