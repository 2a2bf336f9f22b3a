package adb

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion extracts the protocol revision from an adb version string
// such as "1.0.40". goadb reports only this trailing revision as an int.
func ParseVersion(version string) (int, error) {
	parts := strings.Split(strings.TrimSpace(version), ".")
	if len(parts) != 3 || parts[0] != "1" || parts[1] != "0" {
		return 0, fmt.Errorf("unsupported adb version %q", version)
	}

	revision, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("unsupported adb version %q: %w", version, err)
	}

	return revision, nil
}

func FormatVersion(revision int) string {
	return fmt.Sprintf("1.0.%d", revision)
}
