package evaluator

import (
	"os"
	"path/filepath"
	"strings"
)

// DetectPowerState reports the host's current power source, for
// SPEC_FULL.md §5's "-power" gate. It walks /sys/class/power_supply
// (the standard Linux power-supply class hierarchy) looking for a
// Mains- or USB-type supply reporting online=1; if one is found the host is on
// "wall" power, otherwise the first Battery-type supply's status
// decides "battery" vs "charging". Any read failure (non-Linux host, no
// /sys, permissions) falls back to "wall", the permissive default that
// never excludes a command unless an operator explicitly lists a
// narrower -power allow-list.
func DetectPowerState() string {
	const root = "/sys/class/power_supply"
	entries, err := os.ReadDir(root)
	if err != nil {
		return "wall"
	}

	sawBattery := false
	batteryCharging := false
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		typ := strings.TrimSpace(readSysAttr(filepath.Join(dir, "type")))
		switch typ {
		case "Mains", "USB":
			if strings.TrimSpace(readSysAttr(filepath.Join(dir, "online"))) == "1" {
				return "wall"
			}
		case "Battery":
			sawBattery = true
			status := strings.TrimSpace(readSysAttr(filepath.Join(dir, "status")))
			if strings.EqualFold(status, "charging") {
				batteryCharging = true
			}
		}
	}

	switch {
	case batteryCharging:
		return "charging"
	case sawBattery:
		return "battery"
	default:
		return "wall"
	}
}

func readSysAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// PowerStateAllowed reports whether state satisfies an allow-list of
// power states (case-insensitive); an empty allow-list permits every
// state, matching every other SPEC_FULL.md gate's "unset means no
// restriction" convention.
func PowerStateAllowed(state string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, state) {
			return true
		}
	}
	return false
}
