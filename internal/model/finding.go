package model

// Finding is a single finding as understood by the engine. The worker core
// never inspects findings, they are passed from the executor to the engine
// as they are.
type Finding struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	OSILayer    string         `json:"osi_layer,omitempty"`
	Severity    string         `json:"severity"`
	Location    string         `json:"location,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Hint        string         `json:"hint,omitempty"`
	Reference   string         `json:"reference,omitempty"`
}

// Severities known by the engine
const (
	SeverityInformational = "INFORMATIONAL"
	SeverityLow           = "LOW"
	SeverityMedium        = "MEDIUM"
	SeverityHigh          = "HIGH"
)
