package smoke

// Check is one self-contained group of runtime API calls
type Check struct {
	Name string
	Run  func(e *Env) error
}

// Check names, in run order
const (
	CheckDeviceInfo     = "device-info"
	CheckMemoryPeer     = "memory-peer"
	CheckGraphCapture   = "graph-capture"
	CheckBFloat16       = "bfloat16"
	CheckPointerEvents  = "pointer-events"
	CheckExtendedLaunch = "extended-launch"
	CheckAsyncStream    = "async-stream"
	CheckHostPinned     = "host-pinned"
)

// Checks returns every check in the fixed run order
func Checks() []Check {
	return []Check{
		{Name: CheckDeviceInfo, Run: deviceInfo},
		{Name: CheckMemoryPeer, Run: memoryPeer},
		{Name: CheckGraphCapture, Run: graphCapture},
		{Name: CheckBFloat16, Run: reducedPrecision},
		{Name: CheckPointerEvents, Run: pointerEvents},
		{Name: CheckExtendedLaunch, Run: extendedLaunch},
		{Name: CheckAsyncStream, Run: asyncStream},
		{Name: CheckHostPinned, Run: hostPinned},
	}
}

// Names returns the names of every check in run order
func Names() []string {
	checks := Checks()
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	return names
}
