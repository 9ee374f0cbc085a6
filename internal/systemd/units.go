package systemd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/juju/errors"

	"servicedeck/internal/executor"
)

// Unit is one service unit as reported by systemd.
type Unit struct {
	Name        string `json:"unit"`
	Description string `json:"description"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	Sub         string `json:"sub"`
	Following   string `json:"following,omitempty"`
	Typical     bool   `json:"isStandardService"`
}

var standardPrefixes = []string{
	"systemd-",
	"sys-",
	"dbus",
	"user@",
	"session-",
	"serial-getty@",
	"getty@",
	"-.",
	"basic.",
	"multi-user.",
	"graphical.",
	"rescue.",
	"emergency.",
}

var standardTokens = []string{
	"network",
	"ssh",
	"chrony",
	"cron",
	"avahi",
	"systemd",
	"cups",
	"docker",
	"containerd",
	"polkit",
	"rsyslog",
	"wpa_supplicant",
}

// Typical guesses whether a unit ships with the base system. It only drives
// UI filtering and is allowed to be wrong.
func Typical(name, description string) bool {
	n := strings.ToLower(name)
	d := strings.ToLower(description)
	for _, p := range standardPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	for _, t := range standardTokens {
		if strings.Contains(n, t) || strings.Contains(d, t) {
			return true
		}
	}
	return false
}

// listUnitsArgs is the systemctl invocation used for discovery.
var listUnitsArgs = []string{"systemctl", "list-units", "--type=service", "--all", "--no-legend", "--no-pager", "--plain", "--output=json"}

func (d *Discovery) listUnitsCLI(ctx context.Context) ([]Unit, error) {
	res, err := d.runner.Run(ctx, executor.Args(listUnitsArgs...))
	if err != nil {
		return nil, errors.Annotate(err, "list units")
	}
	if res.ExitCode != 0 {
		return nil, errors.Annotate(execFailure(listUnitsArgs, res), "list units")
	}
	return ParseUnitList(res.Output), nil
}

// ParseUnitList decodes `systemctl list-units` output. JSON is tried first;
// anything that does not decode is parsed as plain columns.
func ParseUnitList(output string) []Unit {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return []Unit{}
	}
	if units, err := parseJSONUnits([]byte(trimmed)); err == nil {
		return units
	}
	return parsePlainUnits(trimmed)
}

type jsonUnit struct {
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	ActiveState string `json:"active_state"`
	Sub         string `json:"sub"`
	SubState    string `json:"sub_state"`
	Following   string `json:"following"`
}

func parseJSONUnits(b []byte) ([]Unit, error) {
	var raw []jsonUnit
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]Unit, 0, len(raw))
	for _, e := range raw {
		name := firstNonEmpty(e.Name, e.Unit)
		if name == "" {
			continue
		}
		out = append(out, Unit{
			Name:        name,
			Description: e.Description,
			Load:        firstNonEmpty(e.Load, "unknown"),
			Active:      firstNonEmpty(e.Active, e.ActiveState, "unknown"),
			Sub:         firstNonEmpty(e.Sub, e.SubState, "unknown"),
			Following:   e.Following,
			Typical:     Typical(name, e.Description),
		})
	}
	return out, nil
}

// parsePlainUnits reads "UNIT LOAD ACTIVE SUB DESCRIPTION" columns. The
// description column is empty for some units; rows with fewer than four
// columns are skipped.
func parsePlainUnits(s string) []Unit {
	out := []Unit{}
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		// Failed units are prefixed with a bullet in some systemctl versions.
		if len(fields) > 0 && (fields[0] == "●" || fields[0] == "*") {
			fields = fields[1:]
		}
		if len(fields) < 4 {
			continue
		}
		name := fields[0]
		desc := strings.Join(fields[4:], " ")
		out = append(out, Unit{
			Name:        name,
			Description: desc,
			Load:        fields[1],
			Active:      fields[2],
			Sub:         fields[3],
			Typical:     Typical(name, desc),
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
