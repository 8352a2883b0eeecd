package camera

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lightsheet/internal/monitoring"
)

const (
	grabTimeout = time.Second
	waitPoll    = 100 * time.Millisecond
)

// AcquisitionState summarises ring buffer use since the previous call.
type AcquisitionState struct {
	FrameIndex       int     `json:"frame_index"`
	InputBufferSize  int     `json:"input_buffer_size"`
	OutputBufferSize int     `json:"output_buffer_size"`
	DroppedFrames    int     `json:"dropped_frames"`
	DataRateMBs      float64 `json:"data_rate_mb_s"`
	FrameRateFPS     float64 `json:"frame_rate_fps"`
}

// frameSizeMB is the size of one frame in the ring buffer.
func (c *Camera) frameSizeMB() (float64, error) {
	width, err := c.WidthPX()
	if err != nil {
		return 0, err
	}
	height, err := c.HeightPX()
	if err != nil {
		return 0, err
	}
	binning, err := c.Binning()
	if err != nil {
		return 0, err
	}
	if binning < 1 {
		binning = 1
	}
	pixelType, err := c.PixelType()
	if err != nil {
		return 0, err
	}
	bytesPerPixel := 2.0
	if pixelType == "mono8" {
		bytesPerPixel = 1
	}
	return float64(width*height) / float64(binning*binning) * bytesPerPixel / 1e6, nil
}

// BufferFrames returns the ring buffer length set by Prepare.
func (c *Camera) BufferFrames() int {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	return c.bufferFrames
}

// Prepare selects the subarray mode for the current region and allocates
// as many frames as fit in BufferSizeMB.
func (c *Camera) Prepare() error {
	width, err := c.WidthPX()
	if err != nil {
		return err
	}
	height, err := c.HeightPX()
	if err != nil {
		return err
	}
	mode := SubarrayOn
	if width == SensorWidthPX && height == SensorHeightPX {
		mode = SubarrayOff
	}
	if err := c.set(PropSubarrayMode, float64(mode)); err != nil {
		return err
	}
	size, err := c.frameSizeMB()
	if err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("camera %s: empty frame", c.cfg.Name)
	}
	frames := int(math.Round(BufferSizeMB / size))
	if err := c.h.AllocBuffer(frames); err != nil {
		return fmt.Errorf("camera %s: allocate %d frames: %w", c.cfg.Name, frames, err)
	}
	c.acqMu.Lock()
	c.bufferFrames = frames
	c.acqMu.Unlock()
	monitoring.Logf("camera %s: buffer set to %d frames", c.cfg.Name, frames)
	return nil
}

// Start begins a sequence capture into the ring buffer.
func (c *Camera) Start() error {
	c.acqMu.Lock()
	c.droppedFrames = 0
	c.preFrameTime = c.now()
	c.preFrameCount = 0
	c.bufferIndex = -1
	c.acqMu.Unlock()
	if err := c.h.StartCapture(); err != nil {
		return fmt.Errorf("camera %s: start capture: %w", c.cfg.Name, err)
	}
	return nil
}

// Stop ends the capture and releases the ring buffer.
func (c *Camera) Stop() error {
	err := c.h.StopCapture()
	if err != nil {
		err = fmt.Errorf("camera %s: stop capture: %w", c.cfg.Name, err)
	} else if rerr := c.h.ReleaseBuffer(); rerr != nil {
		err = fmt.Errorf("camera %s: release buffer: %w", c.cfg.Name, rerr)
	}
	c.acqMu.Lock()
	c.resetCounters()
	c.acqMu.Unlock()
	return err
}

// resetCounters is called with acqMu held.
func (c *Camera) resetCounters() {
	c.maxBacklog = 0
	c.latest = nil
	c.bufferIndex = 0
	c.lastFrameNumber = 0
}

// GrabFrame waits up to a second for a frame and returns the newest one.
func (c *Camera) GrabFrame() (*Frame, error) {
	ready, err := c.h.WaitFrameReady(grabTimeout)
	if err != nil {
		return nil, fmt.Errorf("camera %s: wait frame: %w", c.cfg.Name, err)
	}
	if !ready {
		return nil, ErrNoFrame
	}
	f, err := c.h.LastFrameData()
	if err != nil {
		return nil, fmt.Errorf("camera %s: frame data: %w", c.cfg.Name, err)
	}
	c.acqMu.Lock()
	c.latest = &f
	c.acqMu.Unlock()
	return &f, nil
}

// LatestFrame returns the last frame read, or nil.
func (c *Camera) LatestFrame() *Frame {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	return c.latest
}

// MaxBacklog returns the largest number of frames seen between two calls
// to NewFrames.
func (c *Camera) MaxBacklog() int {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	return c.maxBacklog
}

// NewFrames returns the ring slots written since the previous call, oldest
// first. While the camera is capturing it blocks until at least one frame
// is ready or ctx is done.
func (c *Camera) NewFrames(ctx context.Context) ([]int, error) {
	status, err := c.h.CaptureStatus()
	if err != nil {
		return nil, fmt.Errorf("camera %s: capture status: %w", c.cfg.Name, err)
	}
	if status == StatusBusy {
		for {
			ready, err := c.h.WaitFrameReady(waitPoll)
			if err != nil {
				return nil, fmt.Errorf("camera %s: wait frame: %w", c.cfg.Name, err)
			}
			if ready {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	info, err := c.h.TransferInfo()
	if err != nil {
		return nil, fmt.Errorf("camera %s: transfer info: %w", c.cfg.Name, err)
	}
	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	backlog := info.FrameCount - c.lastFrameNumber
	if backlog > c.bufferFrames {
		monitoring.Warnf("camera %s: frame buffer overrun, backlog %d > %d frames", c.cfg.Name, backlog, c.bufferFrames)
	}
	c.maxBacklog = max(c.maxBacklog, backlog)
	c.lastFrameNumber = info.FrameCount

	newest := info.NewestFrameIndex
	var slots []int
	if newest < c.bufferIndex {
		for i := c.bufferIndex + 1; i < c.bufferFrames; i++ {
			slots = append(slots, i)
		}
		for i := 0; i <= newest; i++ {
			slots = append(slots, i)
		}
	} else {
		for i := c.bufferIndex + 1; i <= newest; i++ {
			slots = append(slots, i)
		}
	}
	c.bufferIndex = newest
	return slots, nil
}

// Frames copies out every frame written since the previous call.
func (c *Camera) Frames(ctx context.Context) ([]Frame, error) {
	slots, err := c.NewFrames(ctx)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(slots))
	for _, i := range slots {
		f, err := c.h.FrameData(i)
		if err != nil {
			return frames, fmt.Errorf("camera %s: frame %d: %w", c.cfg.Name, i, err)
		}
		frames = append(frames, f)
	}
	if len(frames) > 0 {
		c.acqMu.Lock()
		c.latest = &frames[len(frames)-1]
		c.acqMu.Unlock()
	}
	return frames, nil
}

// AcquisitionState reports buffer occupancy and rates since the previous
// call (or Start).
func (c *Camera) AcquisitionState() (AcquisitionState, error) {
	info, err := c.h.TransferInfo()
	if err != nil {
		return AcquisitionState{}, fmt.Errorf("camera %s: transfer info: %w", c.cfg.Name, err)
	}
	size, err := c.frameSizeMB()
	if err != nil {
		return AcquisitionState{}, err
	}

	c.acqMu.Lock()
	defer c.acqMu.Unlock()
	now := c.now()
	out := info.FrameCount - c.preFrameCount
	if out > c.bufferFrames {
		c.droppedFrames += out - c.bufferFrames
	}
	var rate float64
	if elapsed := now.Sub(c.preFrameTime).Seconds(); elapsed > 0 {
		rate = float64(out) / elapsed
	}
	state := AcquisitionState{
		FrameIndex:       info.FrameCount,
		InputBufferSize:  c.bufferFrames - out,
		OutputBufferSize: out,
		DroppedFrames:    c.droppedFrames,
		DataRateMBs:      rate * size,
		FrameRateFPS:     rate,
	}
	monitoring.Logf("camera %s: frame %d, input %d, output %d, dropped %d, data rate %.2f MB/s, frame rate %.2f fps",
		c.cfg.Name, state.FrameIndex, state.InputBufferSize, state.OutputBufferSize, state.DroppedFrames, state.DataRateMBs, state.FrameRateFPS)
	c.preFrameTime = now
	c.preFrameCount = info.FrameCount
	return state, nil
}
