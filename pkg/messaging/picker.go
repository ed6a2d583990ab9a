package messaging

import (
	"context"

	"portalchat/pkg/models"
	"portalchat/pkg/store"
)

// UserSearcher is the user directory search.
type UserSearcher interface {
	Search(ctx context.Context, query string) ([]models.UserSummary, error)
}

// Picker lists users for starting a direct message or a group and keeps
// the group selection.
type Picker struct {
	search UserSearcher
	self   string

	selected []string
}

func NewPicker(search UserSearcher, selfID string) *Picker {
	return &Picker{search: search, self: selfID}
}

// Search returns matching users other than the current one. A failed
// search yields an empty list.
func (p *Picker) Search(ctx context.Context, query string) []models.UserSummary {
	if p.search == nil {
		return nil
	}
	users, err := p.search.Search(ctx, query)
	if err != nil {
		return []models.UserSummary{}
	}
	out := make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		if u.ID == p.self || store.ValidateSegment(u.ID) != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Toggle adds userID to the group selection or removes it.
func (p *Picker) Toggle(userID string) {
	for i, id := range p.selected {
		if id == userID {
			p.selected = append(p.selected[:i], p.selected[i+1:]...)
			return
		}
	}
	if userID != "" && userID != p.self {
		p.selected = append(p.selected, userID)
	}
}

func (p *Picker) Selected() []string {
	return append([]string(nil), p.selected...)
}

func (p *Picker) Reset() { p.selected = nil }
