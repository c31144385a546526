package a2a

// ProtocolVersion is the A2A protocol revision this package implements.
const ProtocolVersion = "0.3.0"

// AgentCard is the self-description document an agent publishes so peers can
// discover its endpoint, capabilities, and skills.
type AgentCard struct {
	ProtocolVersion    string                    `json:"protocolVersion"`
	Name               string                    `json:"name"`
	Description        string                    `json:"description,omitempty"`
	URL                string                    `json:"url,omitempty"`
	Version            string                    `json:"version,omitempty"`
	Capabilities       Capabilities              `json:"capabilities"`
	Skills             []CardSkill               `json:"skills,omitempty"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	DefaultInputModes  []string                  `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string                  `json:"defaultOutputModes,omitempty"`
}

// Capabilities flags the optional protocol features an agent supports
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// CardSkill describes one advertised capability
type CardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SecurityScheme describes an authentication mechanism on an agent card
type SecurityScheme struct {
	Type             string `json:"type"`
	Scheme           string `json:"scheme,omitempty"`
	In               string `json:"in,omitempty"`
	Name             string `json:"name,omitempty"`
	OpenIDConnectURL string `json:"openIdConnectUrl,omitempty"`
}
