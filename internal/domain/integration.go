package domain

// IntegrationStatus is the pre-flight view of one channel integration.
type IntegrationStatus struct {
	Name       Channel `json:"name"`
	Provider   string  `json:"provider,omitempty"`
	Configured bool    `json:"configured"`
	Ready      bool    `json:"ready"`
	Error      string  `json:"error,omitempty"`
}

// ChannelSettings is the workspace-level configuration of a channel as
// supplied by the settings system.
type ChannelSettings struct {
	TenantID    string
	WorkspaceID string
	Channel     Channel
	Provider    string
	Connected   bool

	// email
	SenderEmail string
	SenderName  string

	// voice
	AssistantID   string
	PhoneNumberID string
	VoiceMode     VoiceMode

	// social
	AccountID string
	Platform  string
	CanPost   bool
}
