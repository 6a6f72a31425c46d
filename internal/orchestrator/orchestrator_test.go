package orchestrator_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"vpsforge/internal/config"
	"vpsforge/internal/instance"
	"vpsforge/internal/orchestrator"
	"vpsforge/internal/provider"
	"vpsforge/internal/sshkeys"
	"vpsforge/internal/store"
)

func newTestConfig() *config.Config {
	return &config.Config{
		DNS: config.DNSConfig{
			Token:    "dns-token",
			ZoneID:   "zone-1",
			ZoneName: "example.net",
		},
		Bootstrap: config.BootstrapConfig{
			CallbackBaseURL: "https://panel.example.net",
			Preset:          "default",
			SoftwareVersion: "1.4.2",
			Image:           "ubuntu-24-04-x64",
		},
		Lifecycle: config.LifecycleConfig{
			ShutdownPollAttempts: 3,
			ShutdownPollBaseSec:  0,
			ShutdownPollCapSec:   0,
			RebootEstimateSec:    90,
		},
		Plans: map[string]string{
			"starter":      "s-1vcpu-2gb",
			"standard":     "s-2vcpu-4gb",
			"professional": "s-4vcpu-8gb",
		},
		Regions: map[string]string{
			"us-east":    "nyc3",
			"us-west":    "sfo3",
			"eu-central": "fra1",
		},
	}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		st      *store.MemoryStore
		cc      *MockCompute
		dc      *MockDNS
		sink    *RecordingSink
		orch    *orchestrator.Orchestrator
		starter orchestrator.ProvisionParams
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = store.NewMemoryStore()
		cc = &MockCompute{}
		dc = &MockDNS{}
		sink = &RecordingSink{}
		orch = orchestrator.New(newTestConfig(), st, cc, dc, sink, &sshkeys.StaticKeyProvider{})
		starter = orchestrator.ProvisionParams{
			OwnerID:           "owner-1",
			ExternalServiceID: "svc-100",
			Plan:              "starter",
			Region:            "us-east",
			Subdomain:         "web1",
		}
	})

	// provisionActive provisions an instance and completes its ready callback
	provisionActive := func(params orchestrator.ProvisionParams) *instance.Record {
		rec, err := orch.Provision(ctx, params)
		Expect(err).NotTo(HaveOccurred())
		Expect(orch.HandleReadyCallback(ctx, rec.ID, rec.CallbackToken, orchestrator.ReadyReport{
			SoftwareVersion: "1.4.2",
			ServicePort:     8443,
		})).To(Succeed())

		current, err := orch.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		// Keep the original token around for reuse assertions
		current.CallbackToken = rec.CallbackToken
		return current
	}

	Describe("Provision", func() {
		It("maps plan and region to provider values and binds DNS to the resolved IP", func() {
			rec, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())

			Expect(cc.CreateCalls).To(HaveLen(1))
			Expect(cc.CreateCalls[0].ServerType).To(Equal("s-1vcpu-2gb"))
			Expect(cc.CreateCalls[0].Location).To(Equal("nyc3"))
			Expect(cc.CreateCalls[0].Name).To(Equal("web1.example.net"))
			Expect(cc.CreateCalls[0].UserData).To(ContainSubstring("#cloud-config"))
			Expect(cc.CreateCalls[0].UserData).To(ContainSubstring(rec.CallbackToken))

			Expect(dc.CreateCalls).To(HaveLen(1))
			Expect(dc.CreateCalls[0].Hostname).To(Equal("web1.example.net"))
			Expect(dc.CreateCalls[0].IP).To(Equal(rec.PublicIP))

			Expect(rec.Status).To(Equal(instance.StatusProvisioning))
			Expect(rec.ProviderInstanceID).NotTo(BeEmpty())
			Expect(rec.DNSRecordID).NotTo(BeEmpty())
		})

		It("stays provisioning until a matching ready callback arrives", func() {
			rec, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(instance.StatusProvisioning))

			Expect(orch.HandleReadyCallback(ctx, rec.ID, rec.CallbackToken, orchestrator.ReadyReport{
				SoftwareVersion: "1.4.2",
				ServicePort:     8443,
			})).To(Succeed())

			current, err := orch.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.Status).To(Equal(instance.StatusActive))
			Expect(current.Health).To(Equal(instance.HealthUp))
			Expect(current.SoftwareVersion).To(Equal("1.4.2"))
			Expect(current.ServicePort).To(Equal(8443))
			Expect(current.ProvisionCompletedAt).NotTo(BeNil())
			Expect(current.CallbackToken).To(BeEmpty())
		})

		It("rejects unknown plans with no side effects", func() {
			starter.Plan = "mega"
			_, err := orch.Provision(ctx, starter)

			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(cc.CreateCalls).To(BeEmpty())

			records, _ := st.List(ctx)
			Expect(records).To(BeEmpty())
		})

		It("rejects unknown regions with no side effects", func() {
			starter.Region = "mars"
			_, err := orch.Provision(ctx, starter)

			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(cc.CreateCalls).To(BeEmpty())
		})

		It("rejects subdomains that are not DNS labels", func() {
			starter.Subdomain = "Not_A_Label!"
			_, err := orch.Provision(ctx, starter)

			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
		})

		It("rolls back the compute instance when DNS creation fails", func() {
			dc.CreateErr = errors.New("zone quota exceeded")

			rec, err := orch.Provision(ctx, starter)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(rec.ID))
			Expect(err.Error()).To(ContainSubstring("zone quota exceeded"))

			Expect(cc.DeleteCalls).To(HaveLen(1))
			Expect(cc.DeleteCalls[0]).To(Equal(rec.ProviderInstanceID))

			current, err := orch.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.Status).To(Equal(instance.StatusError))
			Expect(current.LastError).To(ContainSubstring("zone quota exceeded"))
			Expect(sink.Actions()).To(ContainElement("rollback_compute_delete"))
		})

		It("marks the record error when compute creation fails, with nothing to clean up", func() {
			cc.CreateErr = &provider.Error{Provider: "compute", Op: "create", StatusCode: 500, Transient: true, Err: errors.New("upstream blew up")}

			rec, err := orch.Provision(ctx, starter)
			Expect(err).To(HaveOccurred())

			Expect(cc.DeleteCalls).To(BeEmpty())
			Expect(dc.DeleteCalls).To(BeEmpty())

			current, err := orch.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.Status).To(Equal(instance.StatusError))
		})

		It("refuses a subdomain already held by a live instance", func() {
			_, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())

			second := starter
			second.ExternalServiceID = "svc-101"
			_, err = orch.Provision(ctx, second)

			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(cc.CreateCalls).To(HaveLen(1))
		})

		It("never lets two concurrent provisions of one hostname both create servers", func() {
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					params := starter
					_, errs[i] = orch.Provision(ctx, params)
				}(i)
			}
			wg.Wait()

			Expect(cc.CreateCalls).To(HaveLen(1))
			failures := 0
			for _, err := range errs {
				if err != nil {
					failures++
				}
			}
			Expect(failures).To(Equal(1))
		})
	})

	Describe("HandleReadyCallback", func() {
		It("rejects a wrong token without mutating the record", func() {
			rec, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())

			err = orch.HandleReadyCallback(ctx, rec.ID, "deadbeef", orchestrator.ReadyReport{SoftwareVersion: "9.9.9", ServicePort: 1})

			var tme *orchestrator.TokenMismatchError
			Expect(errors.As(err, &tme)).To(BeTrue())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusProvisioning))
			Expect(current.SoftwareVersion).To(BeEmpty())
			Expect(current.ServicePort).To(BeZero())
			Expect(current.CallbackToken).To(Equal(rec.CallbackToken))
		})

		It("never matches a consumed token again", func() {
			rec := provisionActive(starter)

			err := orch.HandleReadyCallback(ctx, rec.ID, rec.CallbackToken, orchestrator.ReadyReport{})
			var tme *orchestrator.TokenMismatchError
			Expect(errors.As(err, &tme)).To(BeTrue())
		})

		It("returns NotFoundError for unknown instances", func() {
			err := orch.HandleReadyCallback(ctx, "nope", "token", orchestrator.ReadyReport{})
			var nfe *orchestrator.NotFoundError
			Expect(errors.As(err, &nfe)).To(BeTrue())
		})
	})

	Describe("Suspend and Unsuspend", func() {
		It("powers off before persisting the suspension", func() {
			rec := provisionActive(starter)

			Expect(orch.Suspend(ctx, rec.ID)).To(Succeed())
			Expect(cc.PowerOffCalls).To(Equal([]string{rec.ProviderInstanceID}))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusSuspended))
			Expect(current.Health).To(Equal(instance.HealthDown))
			Expect(current.SuspendedAt).NotTo(BeNil())
		})

		It("leaves the record untouched when the power-off call fails", func() {
			rec := provisionActive(starter)
			cc.PowerOffErr = errors.New("api timeout")

			err := orch.Suspend(ctx, rec.ID)
			Expect(err).To(HaveOccurred())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusActive))
			Expect(current.SuspendedAt).To(BeNil())
		})

		It("returns a suspended instance to active", func() {
			rec := provisionActive(starter)
			Expect(orch.Suspend(ctx, rec.ID)).To(Succeed())

			Expect(orch.Unsuspend(ctx, rec.ID)).To(Succeed())
			Expect(cc.PowerOnCalls).To(Equal([]string{rec.ProviderInstanceID}))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusActive))
			Expect(current.Health).To(Equal(instance.HealthUp))
			Expect(current.SuspendedAt).To(BeNil())
		})

		It("refuses to suspend an instance that is not active", func() {
			rec, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())

			err = orch.Suspend(ctx, rec.ID)
			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
		})
	})

	Describe("Terminate", func() {
		It("deletes compute and DNS and always reaches terminated", func() {
			rec := provisionActive(starter)

			Expect(orch.Terminate(ctx, rec.ID)).To(Succeed())
			Expect(cc.DeleteCalls).To(Equal([]string{rec.ProviderInstanceID}))
			Expect(dc.DeleteCalls).To(Equal([]string{rec.DNSRecordID}))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusTerminated))
			Expect(current.TerminatedAt).NotTo(BeNil())
		})

		It("is idempotent: a second terminate is a silent success", func() {
			rec := provisionActive(starter)

			Expect(orch.Terminate(ctx, rec.ID)).To(Succeed())
			Expect(orch.Terminate(ctx, rec.ID)).To(Succeed())

			Expect(cc.DeleteCalls).To(HaveLen(1))
			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusTerminated))
		})

		It("still terminates when cleanup fails on both providers", func() {
			rec := provisionActive(starter)
			cc.DeleteErr = errors.New("compute api down")
			dc.DeleteErr = errors.New("dns api down")

			Expect(orch.Terminate(ctx, rec.ID)).To(Succeed())

			// Both deletes were attempted despite the first failing
			Expect(cc.DeleteCalls).To(HaveLen(1))
			Expect(dc.DeleteCalls).To(HaveLen(1))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusTerminated))
			Expect(sink.Actions()).To(ContainElement("terminate_compute_delete"))
			Expect(sink.Actions()).To(ContainElement("terminate_dns_delete"))
		})

		It("terminates a half-provisioned instance with no compute ID", func() {
			// DNS failure during provisioning leaves an error record with
			// no compute instance; the rollback already deleted DNS, so
			// simulate the inverse: compute never created, DNS record set
			rec := &instance.Record{
				ID:          "inst-half",
				Subdomain:   "half",
				Status:      instance.StatusProvisioning,
				DNSRecordID: "rec-55",
				Health:      instance.HealthUnknown,
			}
			Expect(st.Insert(ctx, rec)).To(Succeed())

			Expect(orch.Terminate(ctx, "inst-half")).To(Succeed())

			Expect(cc.DeleteCalls).To(BeEmpty())
			Expect(dc.DeleteCalls).To(Equal([]string{"rec-55"}))

			current, _ := orch.Get(ctx, "inst-half")
			Expect(current.Status).To(Equal(instance.StatusTerminated))
		})

		It("terminates an errored instance so billing cancellation always lands", func() {
			dc.CreateErr = errors.New("boom")
			rec, err := orch.Provision(ctx, starter)
			Expect(err).To(HaveOccurred())

			Expect(orch.Terminate(ctx, rec.ID)).To(Succeed())
			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusTerminated))
		})
	})

	Describe("Reboot", func() {
		It("issues the provider reboot and returns an estimate", func() {
			rec := provisionActive(starter)

			estimate, err := orch.Reboot(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(estimate.Seconds()).To(BeNumerically("==", 90))
			Expect(cc.RebootCalls).To(Equal([]string{rec.ProviderInstanceID}))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusRebooting))
		})

		It("recovers to active via MarkHealthy", func() {
			rec := provisionActive(starter)
			_, err := orch.Reboot(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.MarkHealthy(ctx, rec.ID)).To(Succeed())
			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusActive))
			Expect(current.Health).To(Equal(instance.HealthUp))
		})
	})

	Describe("Resize", func() {
		It("shuts down, waits for off, changes type and powers back on", func() {
			rec := provisionActive(starter)
			cc.Statuses = []string{"active", "off"}

			Expect(orch.Resize(ctx, rec.ID, "professional")).To(Succeed())

			Expect(cc.ShutdownCalls).To(Equal([]string{rec.ProviderInstanceID}))
			Expect(cc.ChangeTypeCalls).To(HaveLen(1))
			Expect(cc.ChangeTypeCalls[0].NewType).To(Equal("s-4vcpu-8gb"))
			Expect(cc.PowerOnCalls).To(Equal([]string{rec.ProviderInstanceID}))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusActive))
			Expect(current.Plan).To(Equal("professional"))
			Expect(current.ServerType).To(Equal("s-4vcpu-8gb"))
		})

		It("proceeds with the type change when the shutdown poll never sees off", func() {
			rec := provisionActive(starter)
			cc.Statuses = []string{"active"}

			Expect(orch.Resize(ctx, rec.ID, "standard")).To(Succeed())
			Expect(cc.ChangeTypeCalls).To(HaveLen(1))
		})

		It("rejects unknown target plans before touching the provider", func() {
			rec := provisionActive(starter)

			err := orch.Resize(ctx, rec.ID, "mega")
			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(cc.ShutdownCalls).To(BeEmpty())
		})

		It("keeps the old plan when the type change fails", func() {
			rec := provisionActive(starter)
			cc.Statuses = []string{"off"}
			cc.ChangeTypeErr = errors.New("size not available")

			err := orch.Resize(ctx, rec.ID, "professional")
			Expect(err).To(HaveOccurred())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Plan).To(Equal("starter"))
			Expect(current.ServerType).To(Equal("s-1vcpu-2gb"))
		})
	})

	Describe("HandleBillingEvent", func() {
		It("maps service-suspend to suspend only when active", func() {
			rec := provisionActive(starter)

			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceSuspend, "svc-100", "")).To(Succeed())
			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusSuspended))

			// Already suspended: a repeat suspend event is a no-op
			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceSuspend, "svc-100", "")).To(Succeed())
			Expect(cc.PowerOffCalls).To(HaveLen(1))
		})

		It("maps invoice-paid to unsuspend only when suspended", func() {
			rec := provisionActive(starter)

			// Active instance: invoice-paid does nothing
			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventInvoicePaid, "svc-100", "")).To(Succeed())
			Expect(cc.PowerOnCalls).To(BeEmpty())

			Expect(orch.Suspend(ctx, rec.ID)).To(Succeed())
			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventInvoicePaid, "svc-100", "")).To(Succeed())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusActive))
		})

		It("maps service-cancelled to terminate, tolerating repeats", func() {
			rec := provisionActive(starter)

			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceCancelled, "svc-100", "")).To(Succeed())
			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceCancelled, "svc-100", "")).To(Succeed())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusTerminated))
		})

		It("maps service-upgrade to resize with the new plan", func() {
			rec := provisionActive(starter)
			cc.Statuses = []string{"off"}

			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceUpgrade, "svc-100", "professional")).To(Succeed())

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Plan).To(Equal("professional"))
		})

		It("ignores suspend events for instances that are not yet active", func() {
			_, err := orch.Provision(ctx, starter)
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.HandleBillingEvent(ctx, orchestrator.EventServiceSuspend, "svc-100", "")).To(Succeed())
			Expect(cc.PowerOffCalls).To(BeEmpty())
		})

		It("keeps concurrent duplicate suspend events no-ops", func() {
			rec := provisionActive(starter)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = orch.HandleBillingEvent(ctx, orchestrator.EventServiceSuspend, "svc-100", "")
				}(i)
			}
			wg.Wait()

			// Eligibility is decided under the per-instance lock: whichever
			// event loses the race degrades to a no-op, never an error
			Expect(errs[0]).NotTo(HaveOccurred())
			Expect(errs[1]).NotTo(HaveOccurred())
			Expect(cc.PowerOffCalls).To(HaveLen(1))

			current, _ := orch.Get(ctx, rec.ID)
			Expect(current.Status).To(Equal(instance.StatusSuspended))
		})

		It("rejects unknown events", func() {
			provisionActive(starter)

			err := orch.HandleBillingEvent(ctx, "service-exploded", "svc-100", "")
			var ve *orchestrator.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
		})

		It("returns NotFoundError for unknown external service IDs", func() {
			err := orch.HandleBillingEvent(ctx, orchestrator.EventInvoicePaid, "svc-missing", "")
			var nfe *orchestrator.NotFoundError
			Expect(errors.As(err, &nfe)).To(BeTrue())
		})
	})

	Describe("ResumeProvision", func() {
		It("skips the compute step when a provider instance already exists", func() {
			// Simulate a crash after compute create but before DNS create
			dc.CreateErr = errors.New("transient dns outage")
			rec, err := orch.Provision(ctx, starter)
			Expect(err).To(HaveOccurred())

			// Reset the record back to provisioning as a crash would have
			// left it, with the compute linkage persisted
			current, _ := orch.Get(ctx, rec.ID)
			current.Status = instance.StatusProvisioning
			Expect(st.Update(ctx, current)).To(Succeed())

			dc.CreateErr = nil
			Expect(orch.ResumeProvision(ctx, rec.ID)).To(Succeed())

			// No second compute instance was created
			Expect(cc.CreateCalls).To(HaveLen(1))
			final, _ := orch.Get(ctx, rec.ID)
			Expect(final.DNSRecordID).NotTo(BeEmpty())
		})
	})
})
