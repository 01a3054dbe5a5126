package nmap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Boxworker/internal/model"
)

// ParameterAttribute holds extra nmap arguments of a target
const ParameterAttribute = "NMAP_PARAMETER"

// Target is a single host or network to be scanned
type Target struct {
	Name       string         `json:"name"`
	Location   string         `json:"location"`
	Attributes map[string]any `json:"attributes"`

	// flat form used by older engines
	NmapTarget    string `json:"nmap_target"`
	NmapParameter string `json:"nmap_parameter"`
}

// Args returns additional nmap arguments of the target
func (t Target) Args() []string {
	if v, ok := t.Attributes[ParameterAttribute].(string); ok && strings.TrimSpace(v) != "" {
		return strings.Fields(v)
	}
	return strings.Fields(t.NmapParameter)
}

// ParseTargets decodes raw targets of a job. Every target must have a location.
func ParseTargets(raw []json.RawMessage) ([]Target, error) {
	targets := make([]Target, 0, len(raw))
	for i, r := range raw {
		var t Target
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, invalidTarget(i, "decoding: %s", err)
		}
		if t.Location == "" {
			t.Location = t.NmapTarget
		}
		t.Location = strings.TrimSpace(t.Location)
		if t.Location == "" {
			return nil, invalidTarget(i, "location is empty")
		}
		if strings.HasPrefix(t.Location, "-") {
			return nil, invalidTarget(i, "location %q looks like an nmap option", t.Location)
		}
		if t.Name == "" {
			t.Name = t.Location
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func invalidTarget(idx int, format string, args ...any) error {
	return fmt.Errorf("%w: %w", model.ErrInvalidTarget,
		model.NewJobError(model.KindInvalidTarget, "target %d: %s", idx, fmt.Sprintf(format, args...)))
}
