package notify

import "context"

// Store is the persistence interface for notification results, delivery
// events, and contacts.
//
// Tenant-scoped queries fail closed: an empty tenant id returns no rows.
type Store interface {
	PutResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, id string) (*Result, bool, error)
	GetResultBySID(ctx context.Context, sid string) (*Result, bool, error)
	ListResultsByAlert(ctx context.Context, alertID string) ([]*Result, error)

	AppendDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error

	PutContact(ctx context.Context, c *Contact) error
	// ListActiveContacts returns active contacts of the given types for a
	// tenant, ordered by priority.
	ListActiveContacts(ctx context.Context, tenantID string, types ...ContactType) ([]*Contact, error)
}
