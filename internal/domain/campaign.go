package domain

import "strings"

// CampaignContent is the approved content of a campaign as supplied by the
// authoring system. Rendering happens upstream.
type CampaignContent struct {
	CampaignID  string
	TenantID    string
	WorkspaceID string
	Version     string
	Subject     string
	HTMLBody    string
	TextBody    string
	VoiceScript string
	PostText    string
	MediaURL    string
}

// Lead is a CRM recipient.
type Lead struct {
	ID          string
	TenantID    string
	WorkspaceID string
	Email       string
	Phone       string
	FirstName   string
	LastName    string
	OptedOut    bool
}

func (l Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Recipient is a resolved dispatch target for one channel.
type Recipient struct {
	ID     string
	Email  string
	Phone  string
	Handle string
	Name   string
	// SkipReason is set for recipients that are known but ineligible.
	SkipReason string
}
