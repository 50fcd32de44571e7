package ledger

import (
	"context"
	"path"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"execstore/internal/errors"
)

var _ Ledger = (*Etcd)(nil)

const DefaultEtcdPrefix = "/execstore/ledger"

// Etcd keeps entries under <prefix>/<kind>/<id>. Each put is a single
// key write, so concurrent writers need no coordination.
type Etcd struct {
	KV     clientv3.KV
	Prefix string

	client *clientv3.Client
}

// DialEtcd connects to the given endpoints.
func DialEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	cli, err := clientv3.New(
		clientv3.Config{
			DialTimeout: dialTimeout,
			Endpoints:   endpoints,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return &Etcd{KV: cli, Prefix: prefix, client: cli}, nil
}

func (e *Etcd) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *Etcd) key(kind Kind, id string) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return path.Join(prefix, string(kind), id)
}

func (e *Etcd) put(ctx context.Context, kind Kind, id string, v int64) error {
	if _, err := e.KV.Put(ctx, e.key(kind, id), strconv.FormatInt(v, 10)); err != nil {
		return errors.Wrapf(err, "etcd put %s %s", kind, id)
	}
	return nil
}

func (e *Etcd) get(ctx context.Context, kind Kind, id string) (int64, bool, error) {
	resp, err := e.KV.Get(ctx, e.key(kind, id))
	if err != nil {
		return 0, false, errors.Wrapf(err, "etcd get %s %s", kind, id)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "etcd value for %s %s", kind, id)
	}
	return v, true, nil
}

func (e *Etcd) PutExecutionUpdate(ctx context.Context, id string, ts int64) error {
	return e.put(ctx, KindExecution, id, ts)
}

func (e *Etcd) PutExecutionStageCount(ctx context.Context, id string, n int) error {
	return e.put(ctx, KindStageCount, id, int64(n))
}

func (e *Etcd) PutStageUpdate(ctx context.Context, id string, ts int64) error {
	return e.put(ctx, KindStage, id, ts)
}

func (e *Etcd) ExecutionUpdate(ctx context.Context, id string) (int64, bool, error) {
	return e.get(ctx, KindExecution, id)
}

func (e *Etcd) ExecutionStageCount(ctx context.Context, id string) (int, bool, error) {
	v, ok, err := e.get(ctx, KindStageCount, id)
	return int(v), ok, err
}

func (e *Etcd) StageUpdate(ctx context.Context, id string) (int64, bool, error) {
	return e.get(ctx, KindStage, id)
}

func (e *Etcd) Forget(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		for _, k := range allKinds {
			if _, err := e.KV.Delete(ctx, e.key(k, id)); err != nil {
				return errors.Wrapf(err, "etcd delete %s %s", k, id)
			}
		}
	}
	return nil
}
