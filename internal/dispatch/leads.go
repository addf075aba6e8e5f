package dispatch

import (
	"context"

	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// resolveLeads loads leads in payload order. Leads that are missing, opted
// out or lack the contact field required by contact get a SkipReason.
func resolveLeads(
	ctx context.Context,
	leads collab.LeadSource,
	job *domain.Job,
	ids []string,
	contact func(domain.Lead) (string, string),
) ([]domain.Recipient, error) {
	found, err := leads.GetByIDs(ctx, job.TenantID, job.WorkspaceID, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Lead, len(found))
	for _, lead := range found {
		byID[lead.ID] = lead
	}

	recipients := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		lead, ok := byID[id]
		if !ok {
			recipients = append(recipients, domain.Recipient{ID: id, SkipReason: domain.SkipReasonLeadNotFound})
			continue
		}

		r := domain.Recipient{ID: id, Email: lead.Email, Phone: lead.Phone, Name: lead.FullName()}
		if lead.OptedOut {
			r.SkipReason = domain.SkipReasonOptedOut
		} else if value, reason := contact(lead); value == "" {
			r.SkipReason = reason
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
