package notify

import (
	"context"
	"fmt"
)

// Resolver maps recipient-type tokens from an AI decision or monitor-matrix
// entry to concrete tenant contacts.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns one contact per recipient token: the active, tenant-scoped
// contact of that type with the best priority. For operator tokens a contact
// associated with the alert's vehicle or driver wins over an unassociated
// default. Unknown tokens and tokens with no matching contact are skipped.
// Duplicate contacts across tokens are collapsed.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, tokens []string, vehicleID, driverID string) ([]*Contact, error) {
	var out []*Contact
	seen := make(map[string]bool)

	for _, tok := range tokens {
		ctype := ContactType(tok)
		switch ctype {
		case ContactOperator, ContactMonitoringTeam, ContactSupervisor, ContactEmergency, ContactDispatch:
		default:
			continue
		}

		candidates, err := r.store.ListActiveContacts(ctx, tenantID, ctype)
		if err != nil {
			return nil, fmt.Errorf("resolve %s contacts: %w", tok, err)
		}

		c := pick(ctype, candidates, vehicleID, driverID)
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}

// pick chooses the best candidate. Candidates arrive priority-ordered, so
// the first acceptable match wins.
func pick(ctype ContactType, candidates []*Contact, vehicleID, driverID string) *Contact {
	if ctype == ContactOperator {
		for _, c := range candidates {
			if (c.VehicleID != "" && c.VehicleID == vehicleID) ||
				(c.DriverID != "" && c.DriverID == driverID) {
				return c
			}
		}
		// fall back to an unassociated default operator
		for _, c := range candidates {
			if c.VehicleID == "" && c.DriverID == "" {
				return c
			}
		}
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}
