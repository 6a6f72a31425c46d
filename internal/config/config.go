package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// ProvisionWorkers bounds how many provisioning jobs run concurrently
	ProvisionWorkers int `yaml:"provision_workers"`
}

// EtcdConfig contains etcd connection parameters
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// ComputeConfig contains compute provider connection parameters
type ComputeConfig struct {
	Token string `yaml:"token"`
}

// DNSConfig contains DNS provider connection parameters
type DNSConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	ZoneID   string `yaml:"zone_id"`
	ZoneName string `yaml:"zone_name"`
}

// BootstrapConfig contains bootstrap payload settings
type BootstrapConfig struct {
	// CallbackBaseURL is the externally reachable base URL instances call
	// back to once their bootstrap completes
	CallbackBaseURL string `yaml:"callback_base_url"`
	Preset          string `yaml:"preset"`
	SoftwareVersion string `yaml:"software_version"`
	Image           string `yaml:"image"`
}

// LifecycleConfig tunes the orchestrator's polling and estimates.
// Durations are expressed in seconds so they stay plain YAML integers.
type LifecycleConfig struct {
	// Shutdown poll before a resize: bounded exponential backoff
	ShutdownPollAttempts int `yaml:"shutdown_poll_attempts"`
	ShutdownPollBaseSec  int `yaml:"shutdown_poll_base_seconds"`
	ShutdownPollCapSec   int `yaml:"shutdown_poll_cap_seconds"`
	// RebootEstimateSec is the ready hint returned by reboot
	RebootEstimateSec int `yaml:"reboot_estimate_seconds"`
}

// ShutdownPollBase returns the initial poll interval
func (l LifecycleConfig) ShutdownPollBase() time.Duration {
	return time.Duration(l.ShutdownPollBaseSec) * time.Second
}

// ShutdownPollCap returns the maximum poll interval
func (l LifecycleConfig) ShutdownPollCap() time.Duration {
	return time.Duration(l.ShutdownPollCapSec) * time.Second
}

// RebootEstimate returns the estimated time until a rebooted instance is ready
func (l LifecycleConfig) RebootEstimate() time.Duration {
	return time.Duration(l.RebootEstimateSec) * time.Second
}

// Config contains application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Compute   ComputeConfig   `yaml:"compute"`
	DNS       DNSConfig       `yaml:"dns"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Plans maps billing plan tiers to provider server types
	Plans map[string]string `yaml:"plans"`
	// Regions maps customer-facing regions to provider locations
	Regions map[string]string `yaml:"regions"`
}

// Load loads configuration from YAML file
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			ListenAddr:       ":8080",
			ProvisionWorkers: 4,
		},
		Etcd: EtcdConfig{
			Endpoints: []string{"localhost:2379"},
		},
		DNS: DNSConfig{
			Endpoint: "https://dns.hetzner.com/api/v1",
		},
		Bootstrap: BootstrapConfig{
			Preset:          "default",
			SoftwareVersion: "1.0.0",
			Image:           "ubuntu-24-04-x64",
		},
		Lifecycle: LifecycleConfig{
			ShutdownPollAttempts: 10,
			ShutdownPollBaseSec:  2,
			ShutdownPollCapSec:   15,
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

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "vpsforge.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	// Expand environment variables in string fields
	config.Compute.Token = os.ExpandEnv(config.Compute.Token)
	config.DNS.Endpoint = os.ExpandEnv(config.DNS.Endpoint)
	config.DNS.Token = os.ExpandEnv(config.DNS.Token)
	config.DNS.ZoneID = os.ExpandEnv(config.DNS.ZoneID)
	config.DNS.ZoneName = os.ExpandEnv(config.DNS.ZoneName)
	config.Bootstrap.CallbackBaseURL = os.ExpandEnv(config.Bootstrap.CallbackBaseURL)

	// Override with environment variables if set
	if token := os.Getenv("DO_TOKEN"); token != "" {
		config.Compute.Token = token
	}
	if token := os.Getenv("DNS_TOKEN"); token != "" {
		config.DNS.Token = token
	}
	if zoneID := os.Getenv("DNS_ZONE_ID"); zoneID != "" {
		config.DNS.ZoneID = zoneID
	}

	// Validate required parameters
	if config.Compute.Token == "" {
		return nil, fmt.Errorf("compute token is required (set compute.token in config file or DO_TOKEN environment variable)")
	}
	if config.DNS.Token == "" {
		return nil, fmt.Errorf("DNS token is required (set dns.token in config file or DNS_TOKEN environment variable)")
	}
	if config.DNS.ZoneID == "" {
		return nil, fmt.Errorf("DNS zone ID is required (set dns.zone_id in config file or DNS_ZONE_ID environment variable)")
	}
	if config.DNS.ZoneName == "" {
		return nil, fmt.Errorf("DNS zone name is required (set dns.zone_name in config file)")
	}
	if config.Bootstrap.CallbackBaseURL == "" {
		return nil, fmt.Errorf("callback base URL is required (set bootstrap.callback_base_url in config file)")
	}

	return config, nil
}
