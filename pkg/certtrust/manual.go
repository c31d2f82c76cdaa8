package certtrust

import (
	"fmt"
	"runtime"
)

// ManualInstructions returns step-by-step instructions for trusting the
// CA certificate by hand on the current OS.
func ManualInstructions(certPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`1. Double-click %s
2. Click "Install Certificate..."
3. Select "Local Machine" (or "Current User" without admin rights)
4. Choose "Place all certificates in the following store"
5. Browse to "Trusted Root Certification Authorities" and finish`, certPath)
	case "darwin":
		return fmt.Sprintf(`1. Double-click %s to import it into Keychain Access
2. Find the "mitmproxy" certificate in the login keychain
3. Open it, expand "Trust" and set "Always Trust"
4. Close the window and enter your password to confirm`, certPath)
	default:
		return fmt.Sprintf(`1. sudo cp %s /usr/local/share/ca-certificates/mitmproxy-ca.crt
2. sudo update-ca-certificates
3. For Chromium-family browsers additionally run:
   certutil -A -n mitmproxy-ca -t "TC,C,T" -i %s -d sql:$HOME/.pki/nssdb`, certPath, certPath)
	}
}
