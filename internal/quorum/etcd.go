package quorum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdPrefix namespaces registry keys so the cluster can be shared.
const etcdPrefix = "/torlab/v1/quorum"

// Etcd is a Barrier stored in an etcd cluster. Every line is a key under
// the network prefix named after the hash of its registry key, written in
// a create-if-absent transaction, so concurrent announcements of the same
// authority store one line. Lines are returned in creation order.
type Etcd struct {
	client *clientv3.Client
	owned  bool
}

// NewEtcd dials the etcd cluster at endpoints. The caller must call Close
// when finished.
func NewEtcd(endpoints []string) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &Etcd{client: client, owned: true}, nil
}

// NewEtcdFromClient wraps an existing client. Close does not close it.
func NewEtcdFromClient(client *clientv3.Client) *Etcd {
	return &Etcd{client: client}
}

// Close releases the etcd connection if the barrier dialed it.
func (e *Etcd) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}

func etcdNetworkPrefix(network string) string {
	return fmt.Sprintf("%s/%s/", etcdPrefix, network)
}

func etcdLineKey(network, line string) string {
	sum := sha256.Sum256([]byte(registryKey(line)))
	return etcdNetworkPrefix(network) + hex.EncodeToString(sum[:16])
}

// Announce implements Barrier.
func (e *Etcd) Announce(ctx context.Context, network, line string) (bool, error) {
	if err := checkNetwork(network); err != nil {
		return false, err
	}
	line, err := checkLine(line)
	if err != nil {
		return false, err
	}

	k := etcdLineKey(network, line)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, line)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd txn announce %q: %w", k, err)
	}
	return resp.Succeeded, nil
}

// Lines implements Barrier.
func (e *Etcd) Lines(ctx context.Context, network string) ([]string, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	pfx := etcdNetworkPrefix(network)
	resp, err := e.client.Get(ctx, pfx,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	lines := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		lines = append(lines, string(kv.Value))
	}
	return lines, nil
}

// Reset implements Barrier.
func (e *Etcd) Reset(ctx context.Context, network string) error {
	if err := checkNetwork(network); err != nil {
		return err
	}
	pfx := etcdNetworkPrefix(network)
	if _, err := e.client.Delete(ctx, pfx, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("etcd delete %q: %w", pfx, err)
	}
	return nil
}
