package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"vpsforge/internal/instance"
)

const instancePrefix = "/instances/"

// DialEtcd opens the etcd client connection shared by every etcd-backed
// component. The caller owns the connection and closes it on shutdown.
func DialEtcd(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return cli, nil
}

// EtcdStore persists instance records in etcd under /instances/<id>
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore returns a Store over the given shared etcd connection
func NewEtcdStore(cli *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: cli}
}

// Close is a no-op; the shared etcd connection is closed by its owner
func (s *EtcdStore) Close() error {
	return nil
}

func instanceKey(id string) string {
	return instancePrefix + id
}

// Insert stores a new record, failing if the ID is already present
func (s *EtcdStore) Insert(ctx context.Context, rec *instance.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}

	key := instanceKey(rec.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to insert instance record: %w", err)
	}
	if !resp.Succeeded {
		return ErrAlreadyExists
	}
	return nil
}

// Update overwrites an existing record
func (s *EtcdStore) Update(ctx context.Context, rec *instance.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}

	key := instanceKey(rec.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update instance record: %w", err)
	}
	if !resp.Succeeded {
		return ErrNotFound
	}
	return nil
}

// FindByID retrieves a record by internal instance ID
func (s *EtcdStore) FindByID(ctx context.Context, id string) (*instance.Record, error) {
	resp, err := s.client.Get(ctx, instanceKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get instance record: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var rec instance.Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
	}
	return &rec, nil
}

// FindByExternalID scans for the record carrying the given billing-service ID
func (s *EtcdStore) FindByExternalID(ctx context.Context, externalID string) (*instance.Record, error) {
	resp, err := s.client.Get(ctx, instancePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance records: %w", err)
	}

	for _, kv := range resp.Kvs {
		var rec instance.Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
		}
		if rec.ExternalServiceID == externalID {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all instance records
func (s *EtcdStore) List(ctx context.Context) ([]*instance.Record, error) {
	resp, err := s.client.Get(ctx, instancePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance records: %w", err)
	}

	records := make([]*instance.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec instance.Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}
