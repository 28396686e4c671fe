package sdk

import "time"

// DeviceInfo identifies a physical controller.
type DeviceInfo struct {
	ID   string
	Name string
	Type string
	// Info is a free-form description (battery, firmware, link quality...).
	Info string
}

// PhysicalController is a handle to one connected input device.
type PhysicalController interface {
	Info() DeviceInfo
	Connect() error
	Disconnect() error
	IsConnected() bool
	// InputReport returns the next or latest input sample; whether it blocks
	// is up to the implementation.
	InputReport() (InputReport, error)
	SendOutputReport(OutputReport) error
}

// DeviceHandle is one enumerated device. ID must be stable for as long as the
// device stays plugged in.
type DeviceHandle interface {
	ID() string
	Name() string
	NewController() (PhysicalController, error)
}

// DeviceScanner enumerates currently present devices of one input family.
type DeviceScanner interface {
	Devices() ([]DeviceHandle, error)
}

// MethodTable is the set of host functions exposed to remap scripts.
type MethodTable map[string]any

// RemapEngine transforms input reports according to a profile script.
type RemapEngine interface {
	SetScript(file string, methods MethodTable) error
	Remap(in InputReport, elapsed time.Duration) (OutputReport, error)
	// SetLogSink installs the receiver for console output produced by the script.
	SetLogSink(func(line string))
	Close() error
}

// OutputController drives one emulated output device.
type OutputController interface {
	Connect() error
	Disconnect() error
	Send(OutputReport) error
	Close() error
	// ImagePath references an image asset shipped in a plugin package.
	ImagePath() string
}
