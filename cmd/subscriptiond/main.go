// Command subscriptiond runs the data subscription engine.
//
// Subscription records arrive on a NATS subject, responses leave over UDP
// and subscriptions live in the configured store.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	datasink "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/audit"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/election"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/ingest"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/kvutil"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logging"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/replica"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/security"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/transport"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/store"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "subscriptiond",
		Short:         "Data subscription engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "subscriptiond.yaml", "Path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the subscription engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFromFlags(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: store=%s leader=%s ordinal=%d\n",
				cfg.Store.Backend, cfg.Leader.Mode, cfg.Engine.NodeOrdinal)

			return nil
		},
	}

	auditCmd := &cobra.Command{Use: "audit", Short: "Audit log commands"}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFromFlags(cmd)
			if err != nil {
				return err
			}

			return verifyAudit(cmd.Context(), cmd, cfg)
		},
	}
	verifyCmd.Flags().String("event", "", "Also list the most recent entries of this event type")
	verifyCmd.Flags().Int("limit", 20, "Number of entries to list")
	auditCmd.AddCommand(verifyCmd)

	replicasCmd := &cobra.Command{
		Use:   "replicas",
		Short: "List live replicas from the replica bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFromFlags(cmd)
			if err != nil {
				return err
			}

			return listReplicas(cmd.Context(), cmd, cfg)
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, auditCmd, replicasCmd)

	return rootCmd
}

func loadFromFlags(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return LoadConfig(path)
}

func run(ctx context.Context, cfg *Config) error {
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	instanceID := cfg.Leader.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log.Info("starting subscriptiond",
		"instance_id", instanceID,
		"node_ordinal", cfg.Engine.NodeOrdinal,
		"store", cfg.Store.Backend,
		"leader_mode", cfg.Leader.Mode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg, js, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var forwarder *net.UDPAddr
	if cfg.Transport.Forwarder != "" {
		forwarder, err = net.ResolveUDPAddr("udp", cfg.Transport.Forwarder)
		if err != nil {
			return fmt.Errorf("resolve forwarder %s: %w", cfg.Transport.Forwarder, err)
		}
	}
	sender, err := transport.NewUDPSender(transport.WithForwarder(forwarder), transport.WithLogger(log))
	if err != nil {
		return err
	}
	defer sender.Close()

	opts := []datasink.Option{
		datasink.WithLogger(log),
		datasink.WithMetrics(collector),
		datasink.WithTransport(sender),
		datasink.WithHooks(&types.Hooks{
			OnSubscriptionExpired: func(_ context.Context, id int, reason types.ExpiryReason) error {
				log.Debug("subscription expired", "subscriber_id", id, "reason", string(reason))
				return nil
			},
		}),
	}

	if cfg.Security.Encrypt {
		opts = append(opts, datasink.WithSecurity(security.NewHPKE()))
	}

	if cfg.Audit.Dir != "" {
		auditLog, err := audit.Open(cfg.Audit.Dir, audit.WithLogger(log))
		if err != nil {
			return err
		}
		defer auditLog.Close()
		opts = append(opts, datasink.WithAuditSink(auditLog))
	}

	var replicaKV jetstream.KeyValue
	if cfg.Leader.Mode == LeaderModeClaim || cfg.Replica.Status {
		replicaKV, err = openReplicaBucket(ctx, js, cfg)
		if err != nil {
			return err
		}
	}

	var gate types.LeaderGate
	switch cfg.Leader.Mode {
	case LeaderModeClaim:
		claimer := replica.NewOrdinalClaimer(replicaKV, instanceID, cfg.Replica.MaxOrdinal, cfg.Replica.TTL, log)
		ordinal, err := claimer.Claim(ctx)
		if err != nil {
			return err
		}
		cfg.Engine.NodeOrdinal = ordinal
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
			defer cancel()
			if err := claimer.Release(releaseCtx); err != nil {
				log.Warn("failed to release replica ordinal", "error", err)
			}
		}()
		gate = claimer
	case LeaderModeElection:
		kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
			Bucket:  cfg.Leader.Bucket,
			History: 1,
			TTL:     cfg.Leader.TTL,
		}, kvutil.DefaultMaxRetries)
		if err != nil {
			return fmt.Errorf("open leader bucket: %w", err)
		}

		electionGate := election.NewGate(election.NewLease(kv, cfg.Leader.Key, instanceID),
			election.WithRenewInterval(cfg.Leader.RenewInterval),
			election.WithLogger(log),
			election.WithMetrics(collector))
		if err := electionGate.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
			defer cancel()
			if err := electionGate.Stop(stopCtx); err != nil {
				log.Warn("failed to stop leader gate", "error", err)
			}
		}()
		gate = electionGate
	default:
		gate = election.NewOrdinalGate(cfg.Engine.NodeOrdinal)
	}
	opts = append(opts, datasink.WithLeaderGate(gate))

	processor, err := datasink.NewProcessor(&cfg.Engine, st, opts...)
	if err != nil {
		return err
	}
	if err := processor.Start(ctx); err != nil {
		return err
	}

	consumer, err := ingest.New(nc, cfg.Ingest, processor.Handle, ingest.WithLogger(log))
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = processor.Stop(context.WithoutCancel(ctx))
		return err
	}

	var status *replica.StatusPublisher
	if cfg.Replica.Status {
		status = replica.NewStatusPublisher(replicaKV, instanceID, cfg.Replica.Interval,
			func(ctx context.Context) replica.Status {
				return replica.Status{
					Ordinal: cfg.Engine.NodeOrdinal,
					Leader:  gate.IsLeader(ctx),
					State:   processor.State().String(),
					Pending: processor.Pending(),
				}
			},
			replica.WithLogger(log),
			replica.WithMetrics(collector))
		if err := status.Start(ctx); err != nil {
			log.Warn("failed to start replica status publisher", "error", err)
			status = nil
		}
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.Engine.ShutdownTimeout)
	defer cancel()

	var errs []error
	if status != nil {
		if err := status.Stop(shutdownCtx); err != nil {
			log.Warn("failed to stop replica status publisher", "error", err)
		}
	}
	if err := consumer.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func openReplicaBucket(ctx context.Context, js jetstream.JetStream, cfg *Config) (jetstream.KeyValue, error) {
	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.Replica.Bucket,
		History: 1,
		TTL:     cfg.Replica.TTL,
	}, kvutil.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("open replica bucket: %w", err)
	}

	return kv, nil
}

func openStore(ctx context.Context, cfg *Config, js jetstream.JetStream, log types.Logger) (types.SubscriptionStore, func(), error) {
	switch cfg.Store.Backend {
	case BackendNATS:
		st, err := store.NewNATS(ctx, js, cfg.Store.NATS, store.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}

		return st, func() {}, nil
	case BackendPebble:
		mode, err := fsyncMode(cfg.Store.Pebble.Fsync)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.OpenPebble(store.PebbleOptions{
			DataDir:       cfg.Store.Pebble.Dir,
			Fsync:         mode,
			FsyncInterval: cfg.Store.Pebble.FsyncInterval,
		}, store.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}

		return st, func() {
			if err := st.Close(); err != nil {
				log.Warn("failed to close pebble store", "error", err)
			}
		}, nil
	default:
		log.Warn("using in-memory store, subscriptions are lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}

func verifyAudit(ctx context.Context, cmd *cobra.Command, cfg *Config) error {
	if cfg.Audit.Dir == "" {
		return errors.New("audit.dir is not configured")
	}

	auditLog, err := audit.Open(cfg.Audit.Dir)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	n, err := auditLog.VerifyChain(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "audit chain ok: %d entries, head %s\n", n, auditLog.LastHash())

	event, _ := cmd.Flags().GetString("event")
	if event == "" {
		return nil
	}
	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := auditLog.Query(ctx, event, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.Description)
	}

	return nil
}

func listReplicas(ctx context.Context, cmd *cobra.Command, cfg *Config) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name+"-cli"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Replica.Bucket)
	if err != nil {
		return fmt.Errorf("open replica bucket %s: %w", cfg.Replica.Bucket, err)
	}

	replicas, err := replica.ListStatus(ctx, kv)
	if err != nil {
		return err
	}
	slices.SortFunc(replicas, func(a, b replica.Status) int { return cmp.Compare(a.Ordinal, b.Ordinal) })

	out := cmd.OutOrStdout()
	for _, r := range replicas {
		fmt.Fprintf(out, "%-3d %-36s leader=%-5t state=%-8s pending=%-4d updated=%s\n",
			r.Ordinal, r.InstanceID, r.Leader, r.State, r.Pending, r.UpdatedAt.Format(time.RFC3339))
	}

	return nil
}
