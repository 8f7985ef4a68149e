package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	datasink "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/audit"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/codec"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/ingest"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/security"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/transport"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/store"
	dstest "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/testing"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

type engine struct {
	processor *datasink.Processor
	store     *store.NATSStore
	audit     *audit.Log
	hpke      *security.HPKEProvider
	listener  *net.UDPConn
	port      int
	publish   func(record string)
}

func startEngine(t *testing.T) *engine {
	t.Helper()

	_, nc := dstest.StartEmbeddedNATS(t)
	js := dstest.JetStream(t, nc)

	cfg := store.DefaultNATSConfig()
	cfg.MemoryStorage = true
	st, err := store.NewNATS(t.Context(), js, cfg)
	require.NoError(t, err)

	auditLog, err := audit.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	sender, err := transport.NewUDPSender()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	hpke := security.NewHPKE()
	engineCfg := datasink.TestConfig()
	p, err := datasink.NewProcessor(&engineCfg, st,
		datasink.WithTransport(sender),
		datasink.WithSecurity(hpke),
		datasink.WithAuditSink(auditLog),
		datasink.WithLogger(logger.NewTest(t)))
	require.NoError(t, err)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	ingestCfg := ingest.DefaultConfig()
	consumer, err := ingest.New(nc, ingestCfg, p.Handle, ingest.WithLogger(logger.NewTest(t)))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(t.Context()))
	t.Cleanup(func() { _ = consumer.Stop() })

	return &engine{
		processor: p,
		store:     st,
		audit:     auditLog,
		hpke:      hpke,
		listener:  listener,
		port:      listener.LocalAddr().(*net.UDPAddr).Port,
		publish: func(record string) {
			require.NoError(t, nc.Publish(ingestCfg.Subject, []byte(record)))
		},
	}
}

func (e *engine) receive(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, 1024)
	require.NoError(t, e.listener.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := e.listener.ReadFromUDP(buf)
	require.NoError(t, err)

	return buf[:n]
}

func endTime(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(time.RFC3339)
}

func TestEngine_AddCancelOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	e := startEngine(t)

	e.publish(fmt.Sprintf(`{"dialogId":155,"sequenceId":8,"destHost":"127.0.0.1","destPort":%d,`+
		`"endTime":%q,"type":"VsmType","typeValue":1,"requestId":501}`, e.port, endTime(time.Hour)))

	resp, err := codec.Decode(e.receive(t))
	require.NoError(t, err)
	require.Equal(t, types.CodeNone, resp.Code)
	require.Equal(t, uint32(501), resp.RequestID)
	id := int(resp.SubscriberID)

	f, err := e.store.FindFilterByID(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, 501, f.RequestID)

	e.publish(fmt.Sprintf(`{"dialogId":155,"sequenceId":10,"destHost":"127.0.0.1","destPort":%d,`+
		`"subscriberId":%d,"requestId":501}`, e.port, id))

	resp, err = codec.Decode(e.receive(t))
	require.NoError(t, err)
	require.Equal(t, types.CodeNone, resp.Code)
	require.Equal(t, uint32(id), resp.SubscriberID)

	_, err = e.store.FindSubscriberByID(t.Context(), id)
	require.ErrorIs(t, err, types.ErrNotFound)

	n, err := e.audit.VerifyChain(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestEngine_EncryptedResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	e := startEngine(t)

	cert, priv, err := e.hpke.GenerateKeyPair()
	require.NoError(t, err)

	e.publish(fmt.Sprintf(`{"dialogId":155,"sequenceId":8,"destHost":"127.0.0.1","destPort":%d,`+
		`"endTime":%q,"type":"VsmType","typeValue":2,"requestId":7,"certificate":%q}`,
		e.port, endTime(time.Hour), base64.StdEncoding.EncodeToString(cert)))

	envelope := e.receive(t)
	_, err = codec.Decode(envelope)
	require.Error(t, err, "response must not be readable as plaintext")

	plain, handle, err := e.hpke.Open(envelope, priv)
	require.NoError(t, err)
	require.Equal(t, security.Handle(cert), handle)

	resp, err := codec.Decode(plain)
	require.NoError(t, err)
	require.Equal(t, types.CodeNone, resp.Code)
	require.Equal(t, uint32(7), resp.RequestID)

	entries, err := e.audit.Query(t.Context(), types.AuditEventAdd, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].Description, base64.StdEncoding.EncodeToString(cert))
}

func TestEngine_RejectionOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	e := startEngine(t)

	e.publish(fmt.Sprintf(`{"dialogId":155,"sequenceId":8,"destHost":"127.0.0.1","destPort":%d,`+
		`"endTime":%q,"type":"VsmType","typeValue":1,"requestId":9}`, e.port, endTime(-time.Minute)))

	resp, err := codec.Decode(e.receive(t))
	require.NoError(t, err)
	require.Equal(t, types.InvalidEndTime, resp.Code)
	require.Zero(t, resp.SubscriberID)

	subs, err := e.store.FindAllSubscribers(t.Context())
	require.NoError(t, err)
	require.Empty(t, subs)
}
