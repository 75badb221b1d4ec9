package bridge

import (
	"regexp"
	"strings"
)

// The denylist is screened before any process is spawned. It blocks network
// access, shelling out, and reads of sensitive system paths.
var denied = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`(?m)^\s*import\s+socket\b`), "network access (import socket)"},
	{regexp.MustCompile(`(?m)^\s*from\s+socket\s+import\b`), "network access (import socket)"},
	{regexp.MustCompile(`\bos\.system\s*\(`), "shell execution (os.system)"},
	{regexp.MustCompile(`["']/etc/`), "read of /etc"},
	{regexp.MustCompile(`["']/sys/`), "read of /sys"},
	{regexp.MustCompile(`["']/proc/`), "read of /proc"},
}

// screen returns a non-empty rejection reason when code trips the denylist.
func screen(code string) string {
	for _, d := range denied {
		if d.pattern.MatchString(code) {
			return d.reason
		}
	}
	// Bare path references without quotes still count for the system dirs.
	for _, dir := range []string{"/etc/passwd", "/etc/shadow"} {
		if strings.Contains(code, dir) {
			return "read of /etc"
		}
	}
	return ""
}
