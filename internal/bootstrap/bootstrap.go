// Package bootstrap renders the first-boot payload delivered to new
// instances. Rendering is pure: the payload is produced and handed to the
// compute provider as user data, never executed or interpreted here.
package bootstrap

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"text/template"
)

const payloadTemplate = `#cloud-config
ssh_pwauth: no
hostname: {{.HostLabel}}
users:
  - name: forge
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
      - "{{.SSHPublicKey}}"
write_files:
  - path: /etc/vpsforge/bootstrap.env
    permissions: "0600"
    content: |
      VPSFORGE_HOSTNAME={{.Hostname}}
      VPSFORGE_TOKEN={{.Token}}
      VPSFORGE_CALLBACK_URL={{.CallbackURL}}
      VPSFORGE_PRESET={{.Preset}}
      VPSFORGE_VERSION={{.SoftwareVersion}}
runcmd:
  - ["/usr/bin/env", "bash", "-c", "curl -fsSL https://get.vpsforge.dev/agent | bash"]
`

// Params carries the values interpolated into the payload. Every field is
// validated before rendering; a value that fails validation aborts the
// render instead of being escaped silently.
type Params struct {
	Hostname        string
	Token           string
	CallbackURL     string
	Preset          string
	SoftwareVersion string
	SSHPublicKey    string
}

// Interpolated values end up inside a YAML document consumed by cloud-init,
// so the allowed character sets exclude quotes, newlines and anything else
// that could terminate or escape the surrounding context.
var (
	hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	tokenRe    = regexp.MustCompile(`^[0-9a-f]{32,128}$`)
	labelRe    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	sshKeyRe   = regexp.MustCompile(`^(ssh-rsa|ssh-ed25519|ecdsa-sha2-nistp256) [A-Za-z0-9+/=]+( [A-Za-z0-9@._-]+)?$`)
)

type payloadData struct {
	Params
	HostLabel string
}

// Render produces the cloud-init payload for a new instance
func Render(p Params) (string, error) {
	if err := validate(p); err != nil {
		return "", err
	}

	tmpl, err := template.New("bootstrap").Parse(payloadTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse bootstrap template: %v", err)
	}

	data := payloadData{
		Params:    p,
		HostLabel: hostLabel(p.Hostname),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute bootstrap template: %v", err)
	}
	return buf.String(), nil
}

func validate(p Params) error {
	if !hostnameRe.MatchString(p.Hostname) {
		return fmt.Errorf("bootstrap: invalid hostname %q", p.Hostname)
	}
	if !tokenRe.MatchString(p.Token) {
		return fmt.Errorf("bootstrap: callback token is not lowercase hex")
	}
	if !labelRe.MatchString(p.Preset) {
		return fmt.Errorf("bootstrap: invalid preset %q", p.Preset)
	}
	if !labelRe.MatchString(p.SoftwareVersion) {
		return fmt.Errorf("bootstrap: invalid software version %q", p.SoftwareVersion)
	}
	if p.SSHPublicKey != "" && !sshKeyRe.MatchString(p.SSHPublicKey) {
		return fmt.Errorf("bootstrap: SSH public key is not in OpenSSH format")
	}

	u, err := url.Parse(p.CallbackURL)
	if err != nil {
		return fmt.Errorf("bootstrap: invalid callback URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("bootstrap: callback URL must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("bootstrap: callback URL has no host")
	}
	if p.CallbackURL != u.String() || containsUnsafe(p.CallbackURL) {
		return fmt.Errorf("bootstrap: callback URL contains unsafe characters")
	}
	return nil
}

func containsUnsafe(s string) bool {
	for _, r := range s {
		if r < 0x21 || r == '"' || r == '\'' || r == '`' || r == '\\' || r > 0x7e {
			return true
		}
	}
	return false
}

// hostLabel returns the first DNS label, used as the machine hostname
func hostLabel(hostname string) string {
	for i, r := range hostname {
		if r == '.' {
			return hostname[:i]
		}
	}
	return hostname
}
