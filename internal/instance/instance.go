package instance

import "time"

// Status represents the lifecycle state of an instance
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusRebooting    Status = "rebooting"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Health represents the last known reachability of the instance service
type Health string

const (
	HealthUp      Health = "up"
	HealthDown    Health = "down"
	HealthUnknown Health = "unknown"
)

// Record is the aggregate root for a provisioned instance. It is created
// before any external call is made, mutated only by the orchestrator and
// never hard-deleted: termination is a terminal status, not row deletion.
type Record struct {
	ID                string `json:"id"`
	OwnerID           string `json:"owner_id"`
	ExternalServiceID string `json:"external_service_id"`

	Plan       string `json:"plan"`
	Region     string `json:"region"`
	ServerType string `json:"server_type"`
	Location   string `json:"location"`

	Subdomain string `json:"subdomain"`

	// CallbackToken is single-use: cleared when the ready callback matches.
	CallbackToken string `json:"callback_token,omitempty"`

	ProviderInstanceID string `json:"provider_instance_id,omitempty"`
	PublicIP           string `json:"public_ip,omitempty"`
	DNSRecordID        string `json:"dns_record_id,omitempty"`

	Status Status `json:"status"`

	CreatedAt            time.Time  `json:"created_at"`
	ProvisionStartedAt   time.Time  `json:"provision_started_at"`
	ProvisionCompletedAt *time.Time `json:"provision_completed_at,omitempty"`
	SuspendedAt          *time.Time `json:"suspended_at,omitempty"`
	TerminatedAt         *time.Time `json:"terminated_at,omitempty"`

	LastError       string `json:"last_error,omitempty"`
	Health          Health `json:"health"`
	SoftwareVersion string `json:"software_version,omitempty"`
	ServicePort     int    `json:"service_port,omitempty"`
}

// transitions is the table of legal status changes. Termination is reachable
// from every non-terminated status because billing cancellations are honored
// unconditionally, including for stuck or errored instances.
var transitions = map[Status][]Status{
	StatusProvisioning: {StatusActive, StatusError, StatusTerminated},
	StatusActive:       {StatusSuspended, StatusRebooting, StatusTerminated},
	StatusSuspended:    {StatusActive, StatusTerminated},
	StatusRebooting:    {StatusActive, StatusTerminated},
	StatusError:        {StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further lifecycle operations
// other than (idempotent) termination.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusError
}
