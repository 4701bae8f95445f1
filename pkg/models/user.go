package models

import "strings"

const (
	RoleCustomer = "customer"
	RoleDelivery = "delivery"
	RoleAdmin    = "admin"
)

// Principal is the authenticated caller. Identity and roles are issued
// elsewhere; the order core only asks whether a role is held.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole matches case-insensitively; issuers disagree on "Delivery" versus
// "delivery".
func (p *Principal) HasRole(roles ...string) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}
