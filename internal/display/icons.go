package display

import (
	"os"
	"strings"
)

// Icon has a Unicode glyph, an ASCII fallback and a role for coloring
type Icon struct {
	Unicode string
	ASCII   string
	Role    Role
}

var icons = map[string]Icon{
	"success":  {"✔", "[OK]", RoleSuccess},
	"warning":  {"⚠", "[WARN]", RoleWarning},
	"error":    {"✖", "[ERR]", RoleError},
	"info":     {"ℹ", "[INFO]", RoleInfo},
	"pending":  {"…", "[..]", RoleMuted},
	"rollback": {"↺", "[RB]", RoleWarning},
	"undo":     {"↶", "[UNDO]", RoleInfo},
}

// statusIcons maps record statuses of every kind onto icons
var statusIcons = map[string]string{
	"completed":         "success",
	"success":           "success",
	"executed":          "success",
	"approved":          "info",
	"dry_run":           "pending",
	"in_progress":       "pending",
	"pending":           "pending",
	"failed":            "error",
	"validation_failed": "error",
	"rejected":          "warning",
	"expired":           "warning",
	"rolled_back":       "rollback",
	"undone":            "undo",
}

// unicodeSupported checks the locale; ASCII is used for C locales and dumb
// terminals
func unicodeSupported() bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	for _, env := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(env); v != "" {
			return strings.Contains(strings.ToUpper(v), "UTF-8") || strings.Contains(strings.ToUpper(v), "UTF8")
		}
	}
	return os.Getenv("TERM") != "dumb"
}

// iconFor returns the icon for a name or a status. Unknown names fall back
// to info.
func iconFor(name string) Icon {
	if alias, ok := statusIcons[name]; ok {
		name = alias
	}
	if icon, ok := icons[name]; ok {
		return icon
	}
	return icons["info"]
}
