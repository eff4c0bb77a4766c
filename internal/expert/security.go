package expert

import (
	"fmt"
	"strings"
)

// Shell fragments that never appear in a legitimate delegated command.
var deniedShellFragments = []string{
	"rm -rf",
	"mkfs",
	"dd if=",
	":(){",
	"sudo ",
	"chmod 777",
	"chown root",
	"shutdown",
	"reboot",
	"$(",
	"`",
	"&&",
	"||",
	";",
	"|",
	">",
	"<",
}

// Path prefixes a delegated command may never touch.
var deniedPathPrefixes = []string{
	"/etc/",
	"/root/.ssh",
	"/home/.ssh",
	"/.ssh",
	"/var/lib/",
	"/proc/",
	"/sys/",
	"/boot/",
	"/dev/",
}

// commandTypePermissions maps command types to the extra capability the
// requesting expert must hold. Unknown command types are rejected outright.
var commandTypePermissions = map[string]string{
	"analyze":   "analysis",
	"review":    "review",
	"search":    "search",
	"summarize": "analysis",
	"execute":   "execution",
}

// checkCommandSecurity applies the delegation denylists. The raw command
// string and every string value in the command data are inspected.
func checkCommandSecurity(commandType string, data map[string]interface{}) error {
	if _, known := commandTypePermissions[commandType]; !known {
		return fmt.Errorf("unknown command type %q", commandType)
	}
	var walk func(v interface{}) error
	walk = func(v interface{}) error {
		switch t := v.(type) {
		case string:
			return checkString(t)
		case map[string]interface{}:
			for _, inner := range t {
				if err := walk(inner); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, inner := range t {
				if err := walk(inner); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(data)
}

func checkString(s string) error {
	lower := strings.ToLower(s)
	for _, frag := range deniedShellFragments {
		if strings.Contains(lower, frag) {
			return fmt.Errorf("denied shell fragment %q", frag)
		}
	}
	for _, prefix := range deniedPathPrefixes {
		if strings.Contains(lower, prefix) {
			return fmt.Errorf("denied path prefix %q", prefix)
		}
	}
	return nil
}

// requesterMayDelegate checks the per-command-type capability on the
// requesting expert.
func requesterMayDelegate(e *Expert, commandType string) bool {
	capability := commandTypePermissions[commandType]
	return capability == "" || e.Capabilities[capability] || e.Capabilities["delegate_any"]
}
