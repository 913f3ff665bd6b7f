package model

type RegisterDevice struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

type RegisterMessage struct {
	Tilda               string         `json:"~"`
	Name                string         `json:"name"`
	ID                  string         `json:"unique_id"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	Device              RegisterDevice `json:"device"`
}

// Reading is one rendered sensor value.
type Reading struct {
	UniqueID   string         `json:"unique_id"`
	Name       string         `json:"name"`
	PostCode   string         `json:"postcode"`
	Channel    Channel        `json:"channel"`
	Kind       SensorKind     `json:"kind"`
	Unit       NumericUnit    `json:"unit_of_measurement,omitempty"`
	Icon       string         `json:"icon"`
	State      string         `json:"state"`
	Known      bool           `json:"known"`
	Stale      bool           `json:"stale"`
	Attributes map[string]any `json:"attributes"`
}
