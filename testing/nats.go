package testing

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

const readyTimeout = 5 * time.Second

// ServerOption adjusts the embedded server before it starts.
type ServerOption func(*server.Options)

// WithServerName names the embedded server, which shows up in JetStream
// cluster info and server logs.
func WithServerName(name string) ServerOption {
	return func(o *server.Options) { o.ServerName = name }
}

// WithMaxPayload lowers the server's maximum message size, useful for
// exercising oversized record handling.
func WithMaxPayload(n int32) ServerOption {
	return func(o *server.Options) { o.MaxPayload = n }
}

// StartEmbeddedNATS runs a JetStream-enabled NATS server on a random loopback
// port with its store under t.TempDir(), and connects a client to it. Both are
// torn down through t.Cleanup.
//
// Example:
//
//	_, nc := dstest.StartEmbeddedNATS(t)
//	st, err := store.NewNATS(t.Context(), dstest.JetStream(t, nc), store.NATSConfig{})
func StartEmbeddedNATS(t *testing.T, opts ...ServerOption) (*server.Server, *nats.Conn) {
	t.Helper()

	srvOpts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	for _, opt := range opts {
		opt(srvOpts)
	}

	ns, err := server.NewServer(srvOpts)
	require.NoError(t, err, "create embedded NATS server")

	ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		require.FailNow(t, "embedded NATS server not ready", "waited %s", readyTimeout)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second), nats.MaxReconnects(3))
	require.NoError(t, err, "connect to embedded NATS server")
	t.Cleanup(nc.Close)

	return ns, nc
}

// JetStream returns a JetStream handle for nc.
func JetStream(t *testing.T, nc *nats.Conn) jetstream.JetStream {
	t.Helper()

	js, err := jetstream.New(nc)
	require.NoError(t, err, "create JetStream handle")

	return js
}

// CreateJetStreamKV creates a memory-backed KV bucket. A zero ttl keeps
// entries until they are deleted.
func CreateJetStreamKV(t *testing.T, nc *nats.Conn, bucketName string, ttl time.Duration) jetstream.KeyValue {
	t.Helper()

	kv, err := JetStream(t, nc).CreateKeyValue(t.Context(), jetstream.KeyValueConfig{
		Bucket:   bucketName,
		TTL:      ttl,
		Storage:  jetstream.MemoryStorage,
		Replicas: 1,
	})
	require.NoErrorf(t, err, "create KV bucket %s", bucketName)

	return kv
}
