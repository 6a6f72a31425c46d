package sshkeys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/crypto/ssh"
)

const deploymentKeyPath = "/sshkeys/deployment"

// KeyPair represents the deployment SSH key pair embedded into bootstrap
// payloads for operator break-glass access
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// KeyProvider returns the deployment key pair, generating it on first use
type KeyProvider interface {
	GetOrCreate(ctx context.Context) (*KeyPair, error)
}

// Generate creates a new RSA key pair with the public key in OpenSSH format
func Generate() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %v", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %v", err)
	}

	return &KeyPair{
		PrivateKey: string(pem.EncodeToMemory(privateKeyPEM)),
		PublicKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey))),
	}, nil
}

// EtcdKeyProvider persists the deployment key pair in etcd so every server
// process shares one key. The etcd connection is shared with the other
// etcd-backed components.
type EtcdKeyProvider struct {
	client *clientv3.Client
}

// NewEtcdKeyProvider returns a provider over the given shared etcd connection
func NewEtcdKeyProvider(cli *clientv3.Client) *EtcdKeyProvider {
	return &EtcdKeyProvider{client: cli}
}

// GetOrCreate returns the stored key pair, generating and storing one if
// this is the first server process to come up
func (p *EtcdKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	if pair, err := p.get(ctx); err != nil {
		return nil, err
	} else if pair != nil {
		return pair, nil
	}

	pair, err := Generate()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key pair: %w", err)
	}

	resp, err := p.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(deploymentKeyPath), "=", 0)).
		Then(clientv3.OpPut(deploymentKeyPath, string(data))).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to store key pair: %w", err)
	}
	if !resp.Succeeded {
		// Another process won the race; use its key pair
		return p.GetOrCreate(ctx)
	}
	return pair, nil
}

func (p *EtcdKeyProvider) get(ctx context.Context) (*KeyPair, error) {
	resp, err := p.client.Get(ctx, deploymentKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key pair: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var pair KeyPair
	if err := json.Unmarshal(resp.Kvs[0].Value, &pair); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key pair: %w", err)
	}
	return &pair, nil
}

// StaticKeyProvider returns a fixed key pair, used by tests and memory mode
type StaticKeyProvider struct {
	Pair *KeyPair
}

// GetOrCreate returns the static pair, generating one lazily if unset
func (p *StaticKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	if p.Pair == nil {
		pair, err := Generate()
		if err != nil {
			return nil, err
		}
		p.Pair = pair
	}
	return p.Pair, nil
}
