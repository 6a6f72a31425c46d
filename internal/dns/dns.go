package dns

import "context"

// Client defines the interface for managing address records in the zone.
// Hostname uniqueness within the zone is the orchestrator's responsibility,
// not enforced here.
type Client interface {
	// CreateAddressRecord creates an A record for hostname pointing at ip
	// and returns the provider's record ID
	CreateAddressRecord(ctx context.Context, hostname, ip string) (string, error)

	// DeleteRecord deletes a record by ID. Deleting an already-deleted
	// record is treated as success.
	DeleteRecord(ctx context.Context, recordID string) error
}
