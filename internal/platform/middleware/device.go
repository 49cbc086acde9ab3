package middleware

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"
)

// ParseUserAgent renders a human-readable device name for audit review
// screens, e.g. "Chrome on Mac OS X" or "Booth Client on Linux".
func ParseUserAgent(raw string) string {
	if raw == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)

	browser, _ := ua.Browser()
	if browser == "" {
		if i := strings.IndexByte(raw, '/'); i > 0 {
			browser = raw[:i]
		} else {
			browser = "Unknown"
		}
	}

	platform := ua.OSInfo().Name
	if platform == "" {
		platform = ua.Platform()
	}
	if platform == "" {
		platform = "Unknown"
	}

	return strings.TrimSpace(fmt.Sprintf("%s on %s", browser, platform))
}
