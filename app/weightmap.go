package app

import (
	"context"
	"strings"
	"time"

	models "alin-engine/database/models_pkg"
)

// DomainView is a domain row plus its derived mood
type DomainView struct {
	models.DomainState
	Mood string `json:"mood"`
}

func domainView(s models.DomainState) DomainView {
	return DomainView{DomainState: s, Mood: Mood(s)}
}

// ListDomains lists a user's weightmap sorted by "pain", "accuracy" or name
func (e *Engine) ListDomains(ctx context.Context, userID, sortBy string) ([]DomainView, error) {
	states, err := e.weightmap.ListStates(ctx, userID, sortBy)
	if err != nil {
		return nil, err
	}
	out := make([]DomainView, len(states))
	for i, s := range states {
		out[i] = domainView(s)
	}
	return out, nil
}

// GetDomain returns one weightmap row
func (e *Engine) GetDomain(ctx context.Context, userID, domain string) (*DomainView, error) {
	s, err := e.weightmap.GetState(ctx, userID, strings.ToLower(domain))
	if err != nil {
		return nil, err
	}
	v := domainView(*s)
	return &v, nil
}

// DomainHistory lists a domain's history since a time, newest first
func (e *Engine) DomainHistory(ctx context.Context, userID, domain string, since time.Time, limit int) ([]models.DomainHistoryEntry, error) {
	return e.weightmap.History(ctx, userID, strings.ToLower(domain), since, limit)
}
