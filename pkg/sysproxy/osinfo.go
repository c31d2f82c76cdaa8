package sysproxy

// OSInfo identifies the host operating system the way the Warp backend
// expects it in the x-warp-os-* headers.
type OSInfo struct {
	Category string
	Name     string
	Version  string
}
