package camera

import "time"

// PropertyID is a DCAM property identifier.
type PropertyID uint32

const (
	PropExposureTime      PropertyID = 0x001F0110 // seconds
	PropSensorMode        PropertyID = 0x00400210
	PropBinning           PropertyID = 0x00401110
	PropReadoutDirection  PropertyID = 0x00400130
	PropTriggerActive     PropertyID = 0x00100120
	PropTriggerMode       PropertyID = 0x00100210
	PropTriggerPolarity   PropertyID = 0x00100220
	PropTriggerSource     PropertyID = 0x00100110
	PropLineInterval      PropertyID = 0x00403850 // seconds
	PropImageWidth        PropertyID = 0x00420210 // read only
	PropImageHeight       PropertyID = 0x00420220 // read only
	PropSubarrayHPos      PropertyID = 0x00402110
	PropSubarrayHSize     PropertyID = 0x00402120
	PropSubarrayVPos      PropertyID = 0x00402130
	PropSubarrayVSize     PropertyID = 0x00402140
	PropSubarrayMode      PropertyID = 0x00402150
	PropPixelType         PropertyID = 0x00420270
	PropSensorTemperature PropertyID = 0x00200310 // degC, read only
)

// Subarray mode values.
const (
	SubarrayOff = 1
	SubarrayOn  = 2
)

// CaptureStatus mirrors DCAMCAP_STATUS.
type CaptureStatus int

const (
	StatusError CaptureStatus = iota
	StatusBusy
	StatusReady
	StatusStable
	StatusUnstable
)

func (s CaptureStatus) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusBusy:
		return "busy"
	case StatusReady:
		return "ready"
	case StatusStable:
		return "stable"
	case StatusUnstable:
		return "unstable"
	}
	return "unknown"
}

// Attr is the range of a numeric property.
type Attr struct {
	Min, Max, Step float64
}

// TransferInfo reports the capture progress of the frame ring buffer.
type TransferInfo struct {
	// NewestFrameIndex is the ring slot holding the latest frame, -1 before
	// the first frame.
	NewestFrameIndex int
	// FrameCount is the number of frames captured since capture start.
	FrameCount int
}

// Frame is one image copied out of the ring buffer.
type Frame struct {
	Index  int
	Width  int
	Height int
	Pixels []uint16
}

// SDK is the DCAM API entry point.
type SDK interface {
	Init() error
	Uninit() error
	DeviceCount() (int, error)
	// CameraID returns the camera id string, e.g. "S/N: 302482".
	CameraID(index int) (string, error)
	Open(index int) (Handle, error)
}

// Handle is an open DCAM device.
type Handle interface {
	Value(id PropertyID) (float64, error)
	SetValue(id PropertyID, v float64) error
	Attr(id PropertyID) (Attr, error)
	// ValueText returns the label for value v of a mode property. ok is
	// false when v has no label.
	ValueText(id PropertyID, v float64) (text string, ok bool)
	// NextPropertyID walks the property list; pass 0 to start.
	NextPropertyID(id PropertyID) (PropertyID, bool)
	PropertyName(id PropertyID) (string, error)

	AllocBuffer(frames int) error
	ReleaseBuffer() error
	StartCapture() error
	StopCapture() error
	CaptureStatus() (CaptureStatus, error)
	WaitFrameReady(timeout time.Duration) (bool, error)
	TransferInfo() (TransferInfo, error)
	FrameData(index int) (Frame, error)
	LastFrameData() (Frame, error)
	Close() error
}
