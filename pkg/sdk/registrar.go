package sdk

// EntryPoint is the symbol every code module must export. Its type must be
// RegisterFunc (or a plain func(Registrar)).
const EntryPoint = "Register"

// RegisterFunc is the signature of a module entry point.
type RegisterFunc func(Registrar)

// OutputRegistration declares an output controller type under a device path.
type OutputRegistration struct {
	Path     string
	New      func() OutputController
	Teardown func()
}

// RemapperRegistration declares a remap engine for profile file extensions
// such as ".lua" or ".js".
type RemapperRegistration struct {
	Extensions []string
	New        func() RemapEngine
	Teardown   func()
}

// ScannerRegistration declares a device scanner. New is invoked once at
// registration time; scanners are long-lived singletons.
type ScannerRegistration struct {
	ID       string
	New      func() DeviceScanner
	Teardown func()
}

// Registrar receives capability registrations from a module entry point.
// Rejected registrations return an error; the host also records them.
type Registrar interface {
	RegisterOutput(OutputRegistration) error
	RegisterRemapper(RemapperRegistration) error
	RegisterScanner(ScannerRegistration) error
}
