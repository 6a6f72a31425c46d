package orchestrator_test

import (
	"context"
	"fmt"
	"sync"

	"vpsforge/internal/audit"
	"vpsforge/internal/compute"
)

// MockCompute implements compute.Client with call tracking
type MockCompute struct {
	mu sync.Mutex

	CreateCalls     []compute.CreateSpec
	DeleteCalls     []string
	PowerOnCalls    []string
	PowerOffCalls   []string
	RebootCalls     []string
	ShutdownCalls   []string
	ChangeTypeCalls []ChangeTypeCall

	CreateErr     error
	DeleteErr     error
	PowerOnErr    error
	PowerOffErr   error
	RebootErr     error
	ShutdownErr   error
	ChangeTypeErr error
	StatusErr     error

	// Statuses is consumed one per GetStatus call; the last entry repeats
	Statuses  []string
	statusIdx int

	nextID int
}

// ChangeTypeCall records one ChangeType invocation
type ChangeTypeCall struct {
	ProviderID string
	NewType    string
}

func (m *MockCompute) Create(ctx context.Context, spec compute.CreateSpec) (*compute.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, spec)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	m.nextID++
	return &compute.Instance{
		ProviderID: fmt.Sprintf("%d", 77000+m.nextID),
		PublicIP:   fmt.Sprintf("203.0.113.%d", m.nextID),
		Status:     compute.StatusActive,
	}, nil
}

func (m *MockCompute) Delete(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, providerID)
	return m.DeleteErr
}

func (m *MockCompute) PowerOn(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PowerOnCalls = append(m.PowerOnCalls, providerID)
	return m.PowerOnErr
}

func (m *MockCompute) PowerOff(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PowerOffCalls = append(m.PowerOffCalls, providerID)
	return m.PowerOffErr
}

func (m *MockCompute) Reboot(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RebootCalls = append(m.RebootCalls, providerID)
	return m.RebootErr
}

func (m *MockCompute) Shutdown(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls = append(m.ShutdownCalls, providerID)
	return m.ShutdownErr
}

func (m *MockCompute) ChangeType(ctx context.Context, providerID, newType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChangeTypeCalls = append(m.ChangeTypeCalls, ChangeTypeCall{ProviderID: providerID, NewType: newType})
	return m.ChangeTypeErr
}

func (m *MockCompute) GetStatus(ctx context.Context, providerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatusErr != nil {
		return "", m.StatusErr
	}
	if len(m.Statuses) == 0 {
		return compute.StatusActive, nil
	}
	status := m.Statuses[m.statusIdx]
	if m.statusIdx < len(m.Statuses)-1 {
		m.statusIdx++
	}
	return status, nil
}

// DNSCall records one CreateAddressRecord invocation
type DNSCall struct {
	Hostname string
	IP       string
}

// MockDNS implements dns.Client with call tracking
type MockDNS struct {
	mu sync.Mutex

	CreateCalls []DNSCall
	DeleteCalls []string
	CreateErr   error
	DeleteErr   error

	nextID int
}

func (m *MockDNS) CreateAddressRecord(ctx context.Context, hostname, ip string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, DNSCall{Hostname: hostname, IP: ip})
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.nextID++
	return fmt.Sprintf("rec-%d", m.nextID), nil
}

func (m *MockDNS) DeleteRecord(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, recordID)
	return m.DeleteErr
}

// RecordingSink captures audit events for assertions
type RecordingSink struct {
	mu     sync.Mutex
	Events []audit.Event
}

func (s *RecordingSink) Append(ctx context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
}

// Actions returns the recorded action names in order
func (s *RecordingSink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		actions = append(actions, ev.Action)
	}
	return actions
}
