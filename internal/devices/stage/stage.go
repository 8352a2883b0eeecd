package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
)

// ModeStageScan is the only mode an MS2000 axis supports.
const ModeStageScan = "stage scan"

// Limits advertised by an MS2000 axis.
const (
	MinSpeedMMs       = 0.001
	MaxSpeedMMs       = 1.0
	MinAccelerationMS = 50
	MaxAccelerationMS = 2000
	MinBacklashMM     = 0
	MaxBacklashMM     = 1
)

// Stage is one controller axis seen in instrument coordinates.
type Stage struct {
	ctrl           *Controller
	hardwareAxis   string
	instrumentAxis string
	toHardware     AxisMap
	toInstrument   AxisMap
	patterns       devices.Options[ScanPattern]
}

// NewStage binds instrumentAxis to hardwareAxis on ctrl. A leading '-' on
// either name inverts the direction.
func NewStage(ctrl *Controller, hardwareAxis, instrumentAxis string) (*Stage, error) {
	toHardware := SanitizeAxisMap(map[string]string{instrumentAxis: hardwareAxis})
	s := &Stage{
		ctrl:       ctrl,
		toHardware: toHardware,
		patterns: devices.NewOptions("scan pattern", map[string]ScanPattern{
			"raster":     Raster,
			"serpentine": Serpentine,
		}),
	}
	for inst, hw := range toHardware {
		s.instrumentAxis = inst
		s.hardwareAxis = strings.ToUpper(strings.TrimPrefix(hw, "-"))
	}
	if s.instrumentAxis == "" {
		return nil, devices.InvalidValuef("stage: empty instrument axis")
	}
	if _, err := ctrl.axis(s.hardwareAxis); err != nil {
		return nil, err
	}
	s.toInstrument = toHardware.Invert()
	monitoring.Logf("stage %s: instrument axis %q -> hardware axis map %v", ctrl.Name(), s.instrumentAxis, toHardware)
	return s, nil
}

// ID returns the instrument axis name.
func (s *Stage) ID() string { return s.instrumentAxis }

// HardwareAxis returns the controller axis letter.
func (s *Stage) HardwareAxis() string { return s.hardwareAxis }

// InstrumentAxis returns the lower-case instrument axis name.
func (s *Stage) InstrumentAxis() string { return s.instrumentAxis }

// AxisMap returns the instrument -> hardware mapping.
func (s *Stage) AxisMap() AxisMap { return s.toHardware }

func (s *Stage) hardwareValue(v float64) float64 {
	_, hv := s.toHardware.RemapAxis(s.instrumentAxis, v)
	return hv
}

func (s *Stage) instrumentValue(v float64) float64 {
	_, iv := s.toInstrument.RemapAxis(s.hardwareAxis, v)
	return iv
}

func mmToUnits(mm float64) int {
	return int(math.Round(mm * UnitsPerMM))
}

// MoveRelativeMM moves the axis by mm in instrument coordinates, waiting for
// the controller to stop when wait is set.
func (s *Stage) MoveRelativeMM(ctx context.Context, mm float64, wait bool) error {
	monitoring.Logf("stage %s: relative move %s by %v mm (wait=%t)", s.ctrl.Name(), s.instrumentAxis, mm, wait)
	if err := s.ctrl.MoveRel(s.hardwareAxis, mmToUnits(s.hardwareValue(mm))); err != nil {
		return err
	}
	if wait {
		return s.ctrl.WaitForDevice(ctx)
	}
	return nil
}

// MoveAbsoluteMM moves the axis to mm in instrument coordinates.
func (s *Stage) MoveAbsoluteMM(ctx context.Context, mm float64, wait bool) error {
	monitoring.Logf("stage %s: absolute move %s to %v mm (wait=%t)", s.ctrl.Name(), s.instrumentAxis, mm, wait)
	if err := s.ctrl.Move(s.hardwareAxis, mmToUnits(s.hardwareValue(mm))); err != nil {
		return err
	}
	if wait {
		return s.ctrl.WaitForDevice(ctx)
	}
	return nil
}

// PositionMM returns the axis position in instrument coordinates.
func (s *Stage) PositionMM() (float64, error) {
	units, err := s.ctrl.Position(s.hardwareAxis)
	if err != nil {
		return 0, err
	}
	return s.instrumentValue(units / UnitsPerMM), nil
}

// LimitsMM returns the travel limits in instrument coordinates, lowest first.
func (s *Stage) LimitsMM() ([2]float64, error) {
	lower, err := s.ctrl.LowerTravelLimit(s.hardwareAxis)
	if err != nil {
		return [2]float64{}, err
	}
	upper, err := s.ctrl.UpperTravelLimit(s.hardwareAxis)
	if err != nil {
		return [2]float64{}, err
	}
	a, b := s.instrumentValue(lower), s.instrumentValue(upper)
	return [2]float64{math.Min(a, b), math.Max(a, b)}, nil
}

func checkRange(what string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return devices.InvalidValuef("%s %v outside [%v, %v]", what, v, lo, hi)
	}
	return nil
}

// BacklashMM returns the anti-backlash distance.
func (s *Stage) BacklashMM() (float64, error) {
	return s.ctrl.Backlash(s.hardwareAxis)
}

// SetBacklashMM sets the anti-backlash distance; zero disables it.
func (s *Stage) SetBacklashMM(mm float64) error {
	if err := checkRange("backlash mm", mm, MinBacklashMM, MaxBacklashMM); err != nil {
		return err
	}
	return s.ctrl.SetBacklash(s.hardwareAxis, mm)
}

// SpeedMMs returns the axis speed.
func (s *Stage) SpeedMMs() (float64, error) {
	return s.ctrl.MaxSpeed(s.hardwareAxis)
}

// SetSpeedMMs sets the axis speed.
func (s *Stage) SetSpeedMMs(mmPerS float64) error {
	if err := checkRange("speed mm/s", mmPerS, MinSpeedMMs, MaxSpeedMMs); err != nil {
		return err
	}
	return s.ctrl.SetMaxSpeed(s.hardwareAxis, mmPerS)
}

// AccelerationMS returns the ramp time.
func (s *Stage) AccelerationMS() (float64, error) {
	return s.ctrl.Acceleration(s.hardwareAxis)
}

// SetAccelerationMS sets the ramp time.
func (s *Stage) SetAccelerationMS(ms float64) error {
	if err := checkRange("acceleration ms", ms, MinAccelerationMS, MaxAccelerationMS); err != nil {
		return err
	}
	return s.ctrl.SetAcceleration(s.hardwareAxis, ms)
}

// Mode returns the axis mode.
func (s *Stage) Mode() string { return ModeStageScan }

// SetMode accepts only ModeStageScan.
func (s *Stage) SetMode(mode string) error {
	if mode != ModeStageScan {
		return fmt.Errorf("stage %s: mode %q: %w", s.instrumentAxis, mode, errors.ErrUnsupported)
	}
	return nil
}

// Scan describes a stage scan with this axis as the fast axis.
type Scan struct {
	FastStartMM     float64
	SlowStartMM     float64
	SlowStopMM      float64
	FrameCount      int
	FrameIntervalUM float64
	StripCount      int
	Pattern         string
}

// SetupStageScan configures the controller for a scan whose fast axis is
// this stage. The slow axes are the next controller axes in order.
func (s *Stage) SetupStageScan(scan Scan) error {
	pattern, err := s.patterns.Lookup(scan.Pattern)
	if err != nil {
		return err
	}
	if scan.FrameCount < 1 {
		return devices.InvalidValuef("frame count %d", scan.FrameCount)
	}

	var others []string
	for _, a := range s.ctrl.Axes() {
		if a != s.hardwareAxis {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		return fmt.Errorf("stage %s: controller has no slow axis", s.instrumentAxis)
	}
	second := ""
	if len(others) > 1 {
		second = others[1]
	}

	monitoring.Logf("stage %s: scan fast start %v mm, slow %v..%v mm", s.ctrl.Name(), scan.FastStartMM, scan.SlowStartMM, scan.SlowStopMM)
	if err := s.ctrl.SetupScan(s.hardwareAxis, others[0], second, pattern); err != nil {
		return err
	}
	if err := s.ctrl.ScanR(ScanR{
		StartMM:         scan.FastStartMM,
		PulseIntervalUM: scan.FrameIntervalUM,
		NumPixels:       scan.FrameCount,
	}); err != nil {
		return err
	}
	return s.ctrl.ScanV(ScanV{
		StartMM:   scan.SlowStartMM,
		StopMM:    scan.SlowStopMM,
		LineCount: scan.StripCount,
	})
}

// SetupStepShootScan is not available on the MS2000.
func (s *Stage) SetupStepShootScan() error {
	return fmt.Errorf("stage %s: step and shoot scan: %w", s.instrumentAxis, errors.ErrUnsupported)
}

// Start starts the configured scan.
func (s *Stage) Start() error {
	return s.ctrl.StartScan()
}

// Halt stops all motion on the controller.
func (s *Stage) Halt() error {
	return s.ctrl.Halt()
}

// IsAxisMoving reports whether this axis is moving.
func (s *Stage) IsAxisMoving() (bool, error) {
	return s.ctrl.IsAxisBusy(s.hardwareAxis)
}

// ZeroInPlace makes the current position the axis origin.
func (s *Stage) ZeroInPlace() error {
	return s.ctrl.Zero(s.hardwareAxis)
}

// Status reports position, limits and motion state.
func (s *Stage) Status() (map[string]any, error) {
	pos, err := s.PositionMM()
	if err != nil {
		return nil, err
	}
	moving, err := s.IsAxisMoving()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            s.instrumentAxis,
		"hardware_axis": s.hardwareAxis,
		"position_mm":   pos,
		"moving":        moving,
		"mode":          s.Mode(),
	}, nil
}

// Close is a no-op: the controller is shared between stages and closed by its
// owner.
func (s *Stage) Close() error { return nil }

var (
	_ devices.Device   = (*Stage)(nil)
	_ devices.Statuser = (*Stage)(nil)
)
