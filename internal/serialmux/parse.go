package serialmux

import "strings"

// Line kinds produced by a telemetry serial device.
const (
	LineOBD     = "obd"     // mode 01 response bytes, e.g. "41 0C 1A F8"
	LineNMEA    = "nmea"    // GPS sentence, e.g. "$GPRMC,..."
	LineSample  = "sample"  // channel=value or timestamp,channel,value
	LineStatus  = "status"  // adapter chatter: OK, SEARCHING..., NO DATA
	LineUnknown = "unknown"
)

var statusLines = []string{
	"OK", "?", "NO DATA", "SEARCHING...", "STOPPED", "UNABLE TO CONNECT",
	"BUS INIT", "CAN ERROR", "ELM327",
}

// ClassifyLine returns the kind of a single line read from the device.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineStatus
	case strings.HasPrefix(line, "$"):
		return LineNMEA
	case strings.HasPrefix(line, "41 ") || (strings.HasPrefix(line, "41") && isHex(line)):
		return LineOBD
	case strings.Contains(line, "="), strings.Count(line, ",") == 2:
		return LineSample
	}
	for _, s := range statusLines {
		if strings.HasPrefix(line, s) {
			return LineStatus
		}
	}
	return LineUnknown
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r >= 'a' && r <= 'f', r == ' ':
		default:
			return false
		}
	}
	return true
}
