package compute

import "context"

// CreateSpec represents the specification for creating a server
type CreateSpec struct {
	Name       string
	ServerType string
	Location   string
	Image      string
	UserData   string
}

// Instance contains provider-side information about a created server
type Instance struct {
	ProviderID string
	PublicIP   string
	Status     string
}

// Provider-reported server statuses the orchestrator cares about
const (
	StatusActive = "active"
	StatusOff    = "off"
)

// Client defines the interface for controlling servers at the compute provider
type Client interface {
	// Create provisions a server and blocks until it is active with a
	// public IP, or the context expires
	Create(ctx context.Context, spec CreateSpec) (*Instance, error)

	// Delete destroys a server. Deleting an already-deleted server is
	// treated as success.
	Delete(ctx context.Context, providerID string) error

	PowerOn(ctx context.Context, providerID string) error
	PowerOff(ctx context.Context, providerID string) error
	Reboot(ctx context.Context, providerID string) error

	// Shutdown requests a graceful guest shutdown, unlike PowerOff
	Shutdown(ctx context.Context, providerID string) error

	// ChangeType resizes the server to a new server type. The server must
	// normally be powered off first.
	ChangeType(ctx context.Context, providerID, newType string) error

	// GetStatus returns the provider-side status string
	GetStatus(ctx context.Context, providerID string) (string, error)
}
