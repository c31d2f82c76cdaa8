package mitm

import "strings"

// Diagnose maps mitmdump failure output onto an actionable hint. An empty
// string means the output matched no known failure mode.
func Diagnose(stderr string) string {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "permission denied"):
		return "mitmdump was denied permission to bind its port; pick a port above 1024 or adjust privileges"
	case strings.Contains(lower, "address already in use"):
		return "the chosen port is already taken by another process; the next start will pick a different one"
	case strings.Contains(lower, "no module named"):
		return "the mitmproxy installation is broken (missing Python module); reinstall mitmproxy"
	case strings.Contains(lower, "command not found") || strings.Contains(lower, "not recognized"):
		return "mitmdump is not installed or not on PATH"
	case strings.Contains(lower, "certificate") || strings.Contains(lower, "ssl") || strings.Contains(lower, "tls"):
		return "the proxy CA material looks corrupt; delete the confdir to regenerate it"
	case strings.Contains(lower, "script"):
		return "the addon script failed to load; check its path and syntax"
	default:
		return ""
	}
}
