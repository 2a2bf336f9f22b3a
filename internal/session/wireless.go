package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const WirelessPort = 5555

var wirelessSettings = []string{
	"settings put global wifi_wakeup_available 1",
	"settings put global wifi_wakeup_enabled 1",
	"settings put global wifi_sleep_policy 2",
	"settings put global wifi_suspend_optimizations_enabled 0",
	"settings put global wifi_watchdog_poor_network_test_enabled 0",
	"svc wifi enable",
}

var routeSourcePattern = regexp.MustCompile(`src (\d{1,3}(?:\.\d{1,3}){3})`)

// EnableWirelessADB keeps Wi-Fi awake, switches the device's adb daemon to
// network mode and returns the device's Wi-Fi address.
func (s *Session) EnableWirelessADB(ctx context.Context) (string, error) {
	for _, command := range wirelessSettings {
		if _, err := s.shell.RunLogged(ctx, s.Serial(), command); err != nil {
			return "", err
		}
	}

	routes, err := s.shell.Run(ctx, s.Serial(), "ip route")
	if err != nil {
		return "", err
	}

	address := parseWirelessAddress(routes)
	if address == "" {
		return "", fmt.Errorf("no wlan0 address in routing table")
	}

	if err := s.daemon.TCPIP(ctx, s.Serial(), WirelessPort); err != nil {
		return "", err
	}

	s.log.InfoContext(ctx, "enabled wireless adb", "address", address)
	return address, nil
}

func parseWirelessAddress(routes string) string {
	for _, line := range strings.Split(routes, "\n") {
		if !strings.Contains(line, "wlan0") {
			continue
		}
		if match := routeSourcePattern.FindStringSubmatch(line); match != nil {
			return match[1]
		}
	}
	return ""
}
