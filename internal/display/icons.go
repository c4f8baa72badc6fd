package display

import (
	"os"
	"strings"
)

// Icon represents a visual icon with Unicode and ASCII fallbacks
type Icon struct {
	Unicode string
	ASCII   string
}

var icons = map[string]Icon{
	"success":  {Unicode: "✔", ASCII: "[OK]"},
	"error":    {Unicode: "✖", ASCII: "[ERR]"},
	"warning":  {Unicode: "⚠", ASCII: "[WARN]"},
	"info":     {Unicode: "ℹ", ASCII: "[INFO]"},
	"arrow":    {Unicode: "→", ASCII: "->"},
	"export":   {Unicode: "⇩", ASCII: "[EXP]"},
	"backup":   {Unicode: "⛁", ASCII: "[BAK]"},
	"import":   {Unicode: "⇧", ASCII: "[IMP]"},
	"rollback": {Unicode: "↺", ASCII: "[RB]"},
	"skip":     {Unicode: "·", ASCII: "-"},
}

// detectUnicodeSupport checks the locale for UTF-8
func detectUnicodeSupport() bool {
	if os.Getenv("FORCE_UNICODE") != "" {
		return true
	}
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return strings.Contains(strings.ToUpper(v), "UTF")
		}
	}
	return false
}

// renderIcon returns the icon for name in the requested character set
func renderIcon(name string, unicode bool) string {
	icon, ok := icons[name]
	if !ok {
		return ""
	}
	if unicode {
		return icon.Unicode
	}
	return icon.ASCII
}
