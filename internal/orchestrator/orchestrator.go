// Package orchestrator drives the instance lifecycle state machine. Every
// operation is a sequence of blocking provider calls guarded by a
// per-instance lock, so at most one lifecycle operation is in flight per
// instance at any time.
package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpsforge/internal/audit"
	"vpsforge/internal/bootstrap"
	"vpsforge/internal/compute"
	"vpsforge/internal/config"
	"vpsforge/internal/dns"
	"vpsforge/internal/instance"
	"vpsforge/internal/logging"
	"vpsforge/internal/sshkeys"
	"vpsforge/internal/store"
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Orchestrator sequences compute creation, DNS binding and the bootstrap
// handshake, with compensating rollback on partial provisioning failure.
type Orchestrator struct {
	store   store.Store
	compute compute.Client
	dns     dns.Client
	audit   audit.Sink
	keys    sshkeys.KeyProvider

	plans     map[string]string
	regions   map[string]string
	zoneName  string
	bootstrap config.BootstrapConfig
	lifecycle config.LifecycleConfig

	// per-instance operation locks
	locks sync.Map
	// in-flight subdomain reservations, held until the record is persisted
	reserved sync.Map
}

// New creates an orchestrator wired to the given collaborators
func New(cfg *config.Config, st store.Store, cc compute.Client, dc dns.Client, sink audit.Sink, keys sshkeys.KeyProvider) *Orchestrator {
	return &Orchestrator{
		store:     st,
		compute:   cc,
		dns:       dc,
		audit:     sink,
		keys:      keys,
		plans:     cfg.Plans,
		regions:   cfg.Regions,
		zoneName:  cfg.DNS.ZoneName,
		bootstrap: cfg.Bootstrap,
		lifecycle: cfg.Lifecycle,
	}
}

// ProvisionParams are the caller-supplied inputs for a new instance
type ProvisionParams struct {
	OwnerID           string
	ExternalServiceID string
	Plan              string
	Region            string
	Subdomain         string
}

// ReadyReport is the payload an instance posts once its bootstrap completes
type ReadyReport struct {
	SoftwareVersion string
	ServicePort     int
}

// lock acquires the per-instance operation lock and returns its release
func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Provision validates the request, writes the instance record and then
// performs the external provisioning steps. Any failure after the record
// exists triggers compensating rollback; the record ends in error status
// and the original cause is returned wrapped with the instance ID.
func (o *Orchestrator) Provision(ctx context.Context, params ProvisionParams) (*instance.Record, error) {
	rec, err := o.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	unlock := o.lock(rec.ID)
	defer unlock()

	if err := o.runProvisionSteps(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Create validates the request and persists the instance record in
// provisioning status without touching any provider. It is the synchronous
// half of the accepted-then-poll contract; the external steps run through
// ResumeProvision afterwards.
func (o *Orchestrator) Create(ctx context.Context, params ProvisionParams) (*instance.Record, error) {
	serverType, ok := o.plans[params.Plan]
	if !ok {
		return nil, validationErrorf("unknown plan %q", params.Plan)
	}
	location, ok := o.regions[params.Region]
	if !ok {
		return nil, validationErrorf("unknown region %q", params.Region)
	}
	if !subdomainRe.MatchString(params.Subdomain) {
		return nil, validationErrorf("subdomain %q is not a valid DNS label", params.Subdomain)
	}

	// Reserve the subdomain for the duration of this call so two racing
	// provisions of the same hostname cannot both reach the provider
	if _, loaded := o.reserved.LoadOrStore(params.Subdomain, struct{}{}); loaded {
		return nil, validationErrorf("subdomain %q is already being provisioned", params.Subdomain)
	}
	defer o.reserved.Delete(params.Subdomain)

	if err := o.checkSubdomainFree(ctx, params.Subdomain); err != nil {
		return nil, err
	}

	token, err := newCallbackToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate callback token: %w", err)
	}

	now := time.Now().UTC()
	rec := &instance.Record{
		ID:                 uuid.NewString(),
		OwnerID:            params.OwnerID,
		ExternalServiceID:  params.ExternalServiceID,
		Plan:               params.Plan,
		Region:             params.Region,
		ServerType:         serverType,
		Location:           location,
		Subdomain:          params.Subdomain,
		CallbackToken:      token,
		Status:             instance.StatusProvisioning,
		CreatedAt:          now,
		ProvisionStartedAt: now,
		Health:             instance.HealthUnknown,
	}

	// The record is persisted before any external call so every cloud
	// side effect is attributable to a known, inspectable record
	if err := o.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist instance record: %w", err)
	}
	return rec, nil
}

// ResumeProvision re-runs the provisioning steps for a record stuck in
// provisioning status, for example after a server crash. Steps already
// persisted as done are skipped, so a compute instance is never created
// twice for one record.
func (o *Orchestrator) ResumeProvision(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != instance.StatusProvisioning {
		return validationErrorf("instance %s is %s, not provisioning", id, rec.Status)
	}
	return o.runProvisionSteps(ctx, rec)
}

// runProvisionSteps performs the external side of provisioning. Each step
// checks persisted state before acting, so the sequence is resumable.
func (o *Orchestrator) runProvisionSteps(ctx context.Context, rec *instance.Record) error {
	hostname := rec.Subdomain + "." + o.zoneName

	if rec.ProviderInstanceID == "" {
		payload, err := o.renderBootstrap(ctx, rec, hostname)
		if err != nil {
			return o.rollback(ctx, rec, err)
		}

		created, err := o.compute.Create(ctx, compute.CreateSpec{
			Name:       hostname,
			ServerType: rec.ServerType,
			Location:   rec.Location,
			Image:      o.bootstrap.Image,
			UserData:   payload,
		})
		if err != nil {
			return o.rollback(ctx, rec, err)
		}

		// Provider linkage is set only after the provider confirmed
		// creation, never speculatively
		rec.ProviderInstanceID = created.ProviderID
		rec.PublicIP = created.PublicIP
		if err := o.store.Update(ctx, rec); err != nil {
			return o.rollback(ctx, rec, err)
		}

		logging.Logger().Info("Compute instance created",
			zap.String("instance_id", rec.ID),
			zap.String("provider_instance_id", rec.ProviderInstanceID),
			zap.String("public_ip", rec.PublicIP),
		)
	}

	if rec.DNSRecordID == "" {
		recordID, err := o.dns.CreateAddressRecord(ctx, hostname, rec.PublicIP)
		if err != nil {
			return o.rollback(ctx, rec, err)
		}

		rec.DNSRecordID = recordID
		if err := o.store.Update(ctx, rec); err != nil {
			return o.rollback(ctx, rec, err)
		}

		logging.Logger().Info("DNS record created",
			zap.String("instance_id", rec.ID),
			zap.String("hostname", hostname),
			zap.String("dns_record_id", recordID),
		)
	}

	o.audit.Append(ctx, audit.Event{
		InstanceID: rec.ID,
		Action:     "provision",
		Outcome:    audit.OutcomeOK,
		Detail:     fmt.Sprintf("compute %s, dns %s, awaiting ready callback", rec.ProviderInstanceID, rec.DNSRecordID),
	})
	return nil
}

func (o *Orchestrator) renderBootstrap(ctx context.Context, rec *instance.Record, hostname string) (string, error) {
	pair, err := o.keys.GetOrCreate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load deployment SSH key: %w", err)
	}

	return bootstrap.Render(bootstrap.Params{
		Hostname:        hostname,
		Token:           rec.CallbackToken,
		CallbackURL:     fmt.Sprintf("%s/v1/instances/%s/ready", o.bootstrap.CallbackBaseURL, rec.ID),
		Preset:          o.bootstrap.Preset,
		SoftwareVersion: o.bootstrap.SoftwareVersion,
		SSHPublicKey:    pair.PublicKey,
	})
}

// rollback reverses the side effects of a failed provisioning run:
// best-effort compute delete, best-effort DNS delete, record marked error
// with the causing message. The original error is returned wrapped with
// the instance ID.
func (o *Orchestrator) rollback(ctx context.Context, rec *instance.Record, cause error) error {
	logging.Logger().Error("Provisioning failed, rolling back",
		zap.String("instance_id", rec.ID),
		zap.Error(cause),
	)

	if rec.ProviderInstanceID != "" {
		outcome := audit.OutcomeOK
		detail := "compute instance deleted"
		if err := o.compute.Delete(ctx, rec.ProviderInstanceID); err != nil {
			outcome = audit.OutcomeFailed
			detail = fmt.Sprintf("compute delete failed: %v", err)
			logging.Logger().Error("Rollback: failed to delete compute instance",
				zap.String("instance_id", rec.ID),
				zap.String("provider_instance_id", rec.ProviderInstanceID),
				zap.Error(err),
			)
		}
		o.audit.Append(ctx, audit.Event{
			InstanceID: rec.ID,
			Action:     "rollback_compute_delete",
			Outcome:    outcome,
			Detail:     detail,
		})
	}

	if rec.DNSRecordID != "" {
		outcome := audit.OutcomeOK
		detail := "dns record deleted"
		if err := o.dns.DeleteRecord(ctx, rec.DNSRecordID); err != nil {
			outcome = audit.OutcomeFailed
			detail = fmt.Sprintf("dns delete failed: %v", err)
			logging.Logger().Error("Rollback: failed to delete DNS record",
				zap.String("instance_id", rec.ID),
				zap.String("dns_record_id", rec.DNSRecordID),
				zap.Error(err),
			)
		}
		o.audit.Append(ctx, audit.Event{
			InstanceID: rec.ID,
			Action:     "rollback_dns_delete",
			Outcome:    outcome,
			Detail:     detail,
		})
	}

	rec.Status = instance.StatusError
	rec.LastError = cause.Error()
	rec.Health = instance.HealthUnknown
	if err := o.store.Update(ctx, rec); err != nil {
		logging.Logger().Error("Rollback: failed to persist error status",
			zap.String("instance_id", rec.ID),
			zap.Error(err),
		)
	}

	o.audit.Append(ctx, audit.Event{
		InstanceID: rec.ID,
		Action:     "rollback",
		Outcome:    audit.OutcomeOK,
		Detail:     cause.Error(),
	})

	return fmt.Errorf("provision instance %s: %w", rec.ID, cause)
}

// HandleReadyCallback authenticates the instance's bootstrap-complete
// report. On a token match the instance becomes active and the single-use
// token is invalidated; a mismatch leaves the record untouched.
func (o *Orchestrator) HandleReadyCallback(ctx context.Context, id, token string, report ReadyReport) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}

	// Constant-time comparison; a consumed token never matches again
	// because it is cleared on first use
	if rec.CallbackToken == "" ||
		subtle.ConstantTimeCompare([]byte(rec.CallbackToken), []byte(token)) != 1 {
		return &TokenMismatchError{InstanceID: id}
	}

	if !instance.CanTransition(rec.Status, instance.StatusActive) {
		return validationErrorf("instance %s is %s, cannot activate", id, rec.Status)
	}

	now := time.Now().UTC()
	rec.Status = instance.StatusActive
	rec.ProvisionCompletedAt = &now
	rec.SoftwareVersion = report.SoftwareVersion
	rec.ServicePort = report.ServicePort
	rec.Health = instance.HealthUp
	rec.CallbackToken = ""

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist ready state for instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{
		InstanceID: id,
		Action:     "ready",
		Outcome:    audit.OutcomeOK,
		Detail:     fmt.Sprintf("version %s, port %d", report.SoftwareVersion, report.ServicePort),
	})
	return nil
}

// Suspend powers the instance off and marks it suspended. The record is
// mutated only after the provider call succeeded.
func (o *Orchestrator) Suspend(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.ProviderInstanceID == "" {
		return validationErrorf("instance %s has no compute instance", id)
	}
	if !instance.CanTransition(rec.Status, instance.StatusSuspended) {
		return validationErrorf("instance %s is %s, cannot suspend", id, rec.Status)
	}

	if err := o.compute.PowerOff(ctx, rec.ProviderInstanceID); err != nil {
		return fmt.Errorf("suspend instance %s: %w", id, err)
	}

	now := time.Now().UTC()
	rec.Status = instance.StatusSuspended
	rec.Health = instance.HealthDown
	rec.SuspendedAt = &now

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist suspension of instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{InstanceID: id, Action: "suspend", Outcome: audit.OutcomeOK})
	return nil
}

// Unsuspend powers the instance back on and returns it to active
func (o *Orchestrator) Unsuspend(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.ProviderInstanceID == "" {
		return validationErrorf("instance %s has no compute instance", id)
	}
	if rec.Status != instance.StatusSuspended {
		return validationErrorf("instance %s is %s, cannot unsuspend", id, rec.Status)
	}

	if err := o.compute.PowerOn(ctx, rec.ProviderInstanceID); err != nil {
		return fmt.Errorf("unsuspend instance %s: %w", id, err)
	}

	rec.Status = instance.StatusActive
	rec.Health = instance.HealthUp
	rec.SuspendedAt = nil

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist unsuspension of instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{InstanceID: id, Action: "unsuspend", Outcome: audit.OutcomeOK})
	return nil
}

// Terminate destroys the instance's cloud resources and marks the record
// terminated. Cleanup is best-effort and asymmetric to provisioning
// rollback: a failed compute or DNS delete is logged and audited but never
// blocks the other delete or the terminal transition, because the billing
// cancellation behind this call must be honored unconditionally.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == instance.StatusTerminated {
		// Idempotent: terminating twice is success
		return nil
	}

	if rec.ProviderInstanceID != "" {
		if err := o.compute.Delete(ctx, rec.ProviderInstanceID); err != nil {
			logging.Logger().Error("Terminate: failed to delete compute instance",
				zap.String("instance_id", id),
				zap.String("provider_instance_id", rec.ProviderInstanceID),
				zap.Error(err),
			)
			o.audit.Append(ctx, audit.Event{
				InstanceID: id,
				Action:     "terminate_compute_delete",
				Outcome:    audit.OutcomeFailed,
				Detail:     err.Error(),
			})
		}
	}

	if rec.DNSRecordID != "" {
		if err := o.dns.DeleteRecord(ctx, rec.DNSRecordID); err != nil {
			logging.Logger().Error("Terminate: failed to delete DNS record",
				zap.String("instance_id", id),
				zap.String("dns_record_id", rec.DNSRecordID),
				zap.Error(err),
			)
			o.audit.Append(ctx, audit.Event{
				InstanceID: id,
				Action:     "terminate_dns_delete",
				Outcome:    audit.OutcomeFailed,
				Detail:     err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	rec.Status = instance.StatusTerminated
	rec.Health = instance.HealthDown
	rec.TerminatedAt = &now
	rec.CallbackToken = ""

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist termination of instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{InstanceID: id, Action: "terminate", Outcome: audit.OutcomeOK})
	return nil
}

// Reboot issues a provider reboot and returns an estimate of when the
// instance should be ready. The return to active depends on an external
// health check and is not guaranteed by this call.
func (o *Orchestrator) Reboot(ctx context.Context, id string) (time.Duration, error) {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.ProviderInstanceID == "" {
		return 0, validationErrorf("instance %s has no compute instance", id)
	}
	if !instance.CanTransition(rec.Status, instance.StatusRebooting) {
		return 0, validationErrorf("instance %s is %s, cannot reboot", id, rec.Status)
	}

	if err := o.compute.Reboot(ctx, rec.ProviderInstanceID); err != nil {
		return 0, fmt.Errorf("reboot instance %s: %w", id, err)
	}

	rec.Status = instance.StatusRebooting
	rec.Health = instance.HealthUnknown

	if err := o.store.Update(ctx, rec); err != nil {
		return 0, fmt.Errorf("failed to persist reboot of instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{InstanceID: id, Action: "reboot", Outcome: audit.OutcomeOK})
	return o.lifecycle.RebootEstimate(), nil
}

// MarkHealthy is the hook for the external health checker to return a
// rebooting instance to active
func (o *Orchestrator) MarkHealthy(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != instance.StatusRebooting {
		return validationErrorf("instance %s is %s, not rebooting", id, rec.Status)
	}

	rec.Status = instance.StatusActive
	rec.Health = instance.HealthUp

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist recovery of instance %s: %w", id, err)
	}
	return nil
}

// Resize changes the instance's plan: graceful shutdown, bounded wait for
// the server to power off, type change, power on. If the shutdown poll
// exhausts its attempts the resize proceeds anyway; the provider rejects
// the type change server-side if the instance is genuinely still running.
func (o *Orchestrator) Resize(ctx context.Context, id, newPlan string) error {
	newType, ok := o.plans[newPlan]
	if !ok {
		return validationErrorf("unknown plan %q", newPlan)
	}

	unlock := o.lock(id)
	defer unlock()

	rec, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if rec.ProviderInstanceID == "" {
		return validationErrorf("instance %s has no compute instance", id)
	}
	if rec.Status != instance.StatusActive {
		return validationErrorf("instance %s is %s, cannot resize", id, rec.Status)
	}

	if err := o.compute.Shutdown(ctx, rec.ProviderInstanceID); err != nil {
		return fmt.Errorf("resize instance %s: shutdown: %w", id, err)
	}

	if err := o.waitForOff(ctx, rec.ProviderInstanceID); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("resize instance %s: %w", id, err)
		}
		logging.Logger().Warn("Shutdown poll exhausted, proceeding with resize",
			zap.String("instance_id", id),
			zap.Error(err),
		)
	}

	if err := o.compute.ChangeType(ctx, rec.ProviderInstanceID, newType); err != nil {
		return fmt.Errorf("resize instance %s: change type: %w", id, err)
	}

	if err := o.compute.PowerOn(ctx, rec.ProviderInstanceID); err != nil {
		return fmt.Errorf("resize instance %s: power on: %w", id, err)
	}

	rec.Plan = newPlan
	rec.ServerType = newType

	if err := o.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist resize of instance %s: %w", id, err)
	}

	o.audit.Append(ctx, audit.Event{
		InstanceID: id,
		Action:     "resize",
		Outcome:    audit.OutcomeOK,
		Detail:     fmt.Sprintf("plan %s, server type %s", newPlan, newType),
	})
	return nil
}

// waitForOff polls the provider with bounded exponential backoff until the
// server reports off, the attempts are exhausted or the context is done
func (o *Orchestrator) waitForOff(ctx context.Context, providerID string) error {
	interval := o.lifecycle.ShutdownPollBase()
	maxInterval := o.lifecycle.ShutdownPollCap()

	var lastStatus string
	for attempt := 0; attempt < o.lifecycle.ShutdownPollAttempts; attempt++ {
		status, err := o.compute.GetStatus(ctx, providerID)
		if err == nil && status == compute.StatusOff {
			return nil
		}
		if err == nil {
			lastStatus = status
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
	return fmt.Errorf("server %s did not power off after %d attempts (last status %q)",
		providerID, o.lifecycle.ShutdownPollAttempts, lastStatus)
}

// Get returns the current record for an instance
func (o *Orchestrator) Get(ctx context.Context, id string) (*instance.Record, error) {
	return o.find(ctx, id)
}

func (o *Orchestrator) find(ctx context.Context, id string) (*instance.Record, error) {
	rec, err := o.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
	}
	return rec, nil
}

// checkSubdomainFree scans for a live record already holding the subdomain
func (o *Orchestrator) checkSubdomainFree(ctx context.Context, subdomain string) error {
	records, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subdomain availability: %w", err)
	}
	for _, rec := range records {
		if rec.Subdomain == subdomain && rec.Status != instance.StatusTerminated {
			return validationErrorf("subdomain %q is already in use by instance %s", subdomain, rec.ID)
		}
	}
	return nil
}

// RecoverStuck resumes provisioning for records a previous process left in
// provisioning status. Failures are logged per instance; recovery keeps going.
func (o *Orchestrator) RecoverStuck(ctx context.Context) error {
	records, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances for recovery: %w", err)
	}

	for _, rec := range records {
		if rec.Status != instance.StatusProvisioning {
			continue
		}
		logging.Logger().Info("Resuming interrupted provisioning",
			zap.String("instance_id", rec.ID),
		)
		if err := o.ResumeProvision(ctx, rec.ID); err != nil {
			logging.Logger().Error("Recovery provisioning failed",
				zap.String("instance_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func newCallbackToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
