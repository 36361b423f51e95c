package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// Format checks shared by the CLI adapters and the handler factories, so a
// malformed parameter is rejected before anything is queued.

var (
	uuidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	signalPattern = regexp.MustCompile(`^(SIG)?[A-Z0-9]+$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
)

func CheckUUID(uuid string) error {
	if !uuidPattern.MatchString(uuid) {
		return fmt.Errorf("invalid guest uuid %q", uuid)
	}
	return nil
}

// CheckSignal accepts an empty signal, which means the CLI default.
func CheckSignal(signal string) error {
	if signal != "" && !signalPattern.MatchString(signal) {
		return fmt.Errorf("invalid signal %q", signal)
	}
	return nil
}

// CheckName validates snapshot and property names. kind only shapes the
// message.
func CheckName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

func CheckDatasetName(name string) error {
	if name == "" {
		return fmt.Errorf("dataset name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.ContainsAny(name, " \t\n;&|`$'\"\\") {
		return fmt.Errorf("invalid dataset name %q", name)
	}
	return nil
}
