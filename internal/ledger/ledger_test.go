package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"execstore/internal/db"
	"execstore/internal/migrate"
)

func TestBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) Ledger{
		"memory": func(t *testing.T) Ledger { return NewMemory() },
		"sql": func(t *testing.T) Ledger {
			conn, err := db.Open(db.Config{Dialect: db.SQLite, DSN: filepath.Join(t.TempDir(), "ledger.db")})
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })
			require.NoError(t, migrate.Migrate(context.Background(), conn, db.SQLite))
			return SQL{DB: conn, Dialect: db.SQLite}
		},
		"etcd": func(t *testing.T) Ledger {
			return &Etcd{KV: newFakeKV(), Prefix: "/test"}
		},
	}
	for name, newLedger := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t)

			_, ok, err := l.ExecutionUpdate(ctx, "e1")
			require.NoError(t, err)
			require.False(t, ok, "absent entries are not errors")

			require.NoError(t, l.PutExecutionUpdate(ctx, "e1", 100))
			require.NoError(t, l.PutExecutionUpdate(ctx, "e1", 200))
			require.NoError(t, l.PutExecutionStageCount(ctx, "e1", 3))
			require.NoError(t, l.PutStageUpdate(ctx, "s1", 150))

			ts, ok, err := l.ExecutionUpdate(ctx, "e1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(200), ts)

			n, ok, err := l.ExecutionStageCount(ctx, "e1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 3, n)

			ts, ok, err = l.StageUpdate(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(150), ts)

			_, ok, err = l.StageUpdate(ctx, "e1")
			require.NoError(t, err)
			require.False(t, ok, "kinds are separate namespaces")

			require.NoError(t, l.Forget(ctx, "e1", "s1"))
			_, ok, _ = l.ExecutionUpdate(ctx, "e1")
			require.False(t, ok)
			_, ok, _ = l.ExecutionStageCount(ctx, "e1")
			require.False(t, ok)
			_, ok, _ = l.StageUpdate(ctx, "s1")
			require.False(t, ok)
		})
	}
}

func TestMemoryConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.PutExecutionUpdate(ctx, "e", int64(i))
			_, _, _ = l.ExecutionUpdate(ctx, "e")
		}(i)
	}
	wg.Wait()
	_, ok, _ := l.ExecutionUpdate(ctx, "e")
	require.True(t, ok)
}

// fakeKV is the subset of etcd KV behaviour the ledger relies on.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{}
	if v, ok := f.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
		resp.Count = 1
	}
	return resp, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(key, "/test/") {
		panic("unexpected key " + key)
	}
	delete(f.data, key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) Compact(context.Context, int64, ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (f *fakeKV) Do(context.Context, clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, nil
}

func (f *fakeKV) Txn(context.Context) clientv3.Txn { return nil }
