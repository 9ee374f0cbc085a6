package systemd

import (
	"strings"

	"servicedeck/internal/service"
)

// summaryMarkers are the `systemctl status` line prefixes worth lifting into
// the summary, keyed by the detail name they are stored under.
var summaryMarkers = []struct {
	prefix string
	key    string
}{
	{"Loaded:", "loaded"},
	{"Active:", "active"},
	{"Main PID:", "main_pid"},
	{"Tasks:", "tasks"},
	{"Memory:", "memory"},
	{"CPU:", "cpu"},
}

// ParseStatusSummary pulls the well-known lines out of `systemctl status`
// output. Lines are matched after trimming; the first occurrence of each
// marker wins and missing markers are simply absent. The whole trimmed line
// is kept as the value.
func ParseStatusSummary(output string) service.Details {
	var d service.Details
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		for _, m := range summaryMarkers {
			if strings.HasPrefix(line, m.prefix) {
				d.SetIfAbsent(m.key, service.Str(line))
				break
			}
		}
	}
	return d
}

// ActiveValue returns the text after "Active:" in a summary, lower-cased.
func ActiveValue(summary service.Details) string {
	return markerValue(summary, "active", "Active:")
}

// LoadedValue returns the text after "Loaded:" in a summary, lower-cased.
func LoadedValue(summary service.Details) string {
	return markerValue(summary, "loaded", "Loaded:")
}

func markerValue(summary service.Details, key, prefix string) string {
	line := summary.GetString(key)
	line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
	return strings.ToLower(line)
}

// StatusFromActive maps a systemd ActiveState (or the leading word of an
// "Active:" value) to a normalized status.
func StatusFromActive(active string) service.Status {
	word := strings.ToLower(strings.TrimSpace(active))
	if i := strings.IndexAny(word, " \t("); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "active":
		return service.StatusOK
	case "activating", "reloading":
		return service.StatusStarting
	case "":
		return service.StatusUnknown
	default:
		return service.StatusError
	}
}
