package aggregation

import (
	"context"
	"fmt"

	"github.com/ignite/mailflow/internal/domain"
)

// ScopeResolver returns the suppression scope a Mail is sent under.
type ScopeResolver interface {
	ScopeOf(ctx context.Context, mail domain.Mail) (domain.Scope, error)
}

// ScopeOfMessage is the scope every mail of msg is sent under.
func ScopeOfMessage(msg domain.Message) domain.Scope {
	return domain.Scope{
		OrganizationID: msg.OrganizationID,
		Category:       msg.Category,
		ExternalOptout: msg.ExternalOptout,
	}
}

// ParentScopes resolves scopes from the Mail's parent Message or MailBatch.
// Orphaned transactional mails get an empty scope.
type ParentScopes struct {
	repo Repository
}

// NewParentScopes creates a resolver over repo.
func NewParentScopes(repo Repository) *ParentScopes {
	return &ParentScopes{repo: repo}
}

func (p *ParentScopes) ScopeOf(ctx context.Context, mail domain.Mail) (domain.Scope, error) {
	if !mail.HasParent() {
		return domain.Scope{}, nil
	}
	switch mail.Kind {
	case domain.SourceCampaign:
		msg, err := p.repo.GetMessage(ctx, mail.ParentID)
		if err != nil {
			return domain.Scope{}, fmt.Errorf("resolve scope of %s: %w", mail.Identifier, err)
		}
		return ScopeOfMessage(*msg), nil
	default:
		batch, err := p.repo.GetBatch(ctx, mail.ParentID)
		if err != nil {
			return domain.Scope{}, fmt.Errorf("resolve scope of %s: %w", mail.Identifier, err)
		}
		return domain.Scope{OrganizationID: batch.OrganizationID, Category: batch.Category}, nil
	}
}
