package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/minoots/pkg/admission"
	"github.com/cuemby/minoots/pkg/events"
	"github.com/cuemby/minoots/pkg/kernel"
	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kerneld",
	Short: "MINOOTS horology kernel",
	Long: `kerneld runs a single replica of the MINOOTS durable timer fabric:
a Raft-replicated state machine, a wall-clock wheel, and the admission
gate guarding tenant access to it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kerneld version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(policyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run or join a kernel replica",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node kernel cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplica(cmd, true)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing kernel cluster",
	Long: `Starts Raft on this node without bootstrapping a configuration.
Membership is an operator/control-plane action: this node sits idle
until the cluster leader calls AddVoter for its node ID and bind
address. There is no RPC surface on this binary to drive that call
remotely; add a voter from code embedding pkg/kernel directly on the
leader replica.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplica(cmd, false)
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)

	for _, c := range []*cobra.Command{clusterInitCmd, clusterJoinCmd} {
		c.Flags().String("node-id", "node-1", "Unique Raft server ID")
		c.Flags().String("bind-addr", envOrDefault("KERNEL_GRPC_ADDR", "127.0.0.1:7946"), "Address for Raft communication (env KERNEL_GRPC_ADDR)")
		c.Flags().String("data-dir", envOrDefault("KERNEL_PERSIST_PATH", "./kerneld-data"), "Data directory for cluster state (env KERNEL_PERSIST_PATH)")
		c.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics endpoint")
		c.Flags().String("signing-key-env", "MINOOTS_SIGNING_KEY", "Env var holding the 32-byte HMAC signing key")
		c.Flags().String("redis-addr", os.Getenv("NATS_URL"), "Redis address for the durable event bus (empty disables it)")
		c.Flags().String("events-stream", envOrDefault("NATS_SUBJECT", "minoots.events"), "Durable event bus stream name (env NATS_SUBJECT)")
		c.Flags().String("events-dlq-stream", envOrDefault("NATS_DLQ_SUBJECT", "minoots.events.dlq"), "Dead-letter stream name (env NATS_DLQ_SUBJECT)")
		c.Flags().String("events-group", "minoots-kernel", "Durable bus consumer group name")
		c.Flags().Int64("events-stream-maxlen", 100000, "Approximate retention bound on the durable event stream")
	}
}

// envOrDefault reads key from the environment, falling back to def when
// unset or empty. Boot configuration is env-first per the operator
// contract, with cobra flags layered on top as overrides.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runReplica(cmd *cobra.Command, bootstrap bool) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	signingKeyEnv, _ := cmd.Flags().GetString("signing-key-env")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	eventsStream, _ := cmd.Flags().GetString("events-stream")
	eventsDLQStream, _ := cmd.Flags().GetString("events-dlq-stream")
	eventsGroup, _ := cmd.Flags().GetString("events-group")
	eventsStreamMaxLen, _ := cmd.Flags().GetInt64("events-stream-maxlen")

	signingKey := []byte(os.Getenv(signingKeyEnv))
	if len(signingKey) == 0 {
		return fmt.Errorf("%s must be set to a 32-byte (or longer) HMAC key", signingKeyEnv)
	}

	logger := log.WithComponent("kerneld")
	logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("starting kernel replica")

	k, err := kernel.New(&kernel.Config{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		DataDir:    dataDir,
		SigningKey: signingKey,
	})
	if err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}

	if bootstrap {
		if err := k.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("cluster bootstrapped")
	} else {
		if err := k.Join(); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		logger.Info().Msg("raft started, waiting to be added as a voter")
	}

	collector := kernel.NewMetricsCollector(k)
	collector.Start()
	defer collector.Stop()

	var bus *events.DurableBus
	if redisAddr != "" {
		bus, err = events.NewDurableBus(events.DurableBusConfig{
			Addr:         redisAddr,
			Stream:       eventsStream,
			DLQStream:    eventsDLQStream,
			Group:        eventsGroup,
			Consumer:     nodeID,
			MaxDeliver:   5,
			ClaimMinIdle: 30 * time.Second,
			MaxLen:       eventsStreamMaxLen,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("durable event bus unavailable, continuing with in-process fan-out only")
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			go bus.Run(ctx)
			defer cancel()
			defer bus.Close()

			k.SetDurableBus(bus)

			sub, _, unsubscribe := k.StreamEvents("", 0)
			defer unsubscribe()
			go bridgeEventsToBus(ctx, sub, bus)
			logger.Info().Str("addr", redisAddr).Msg("durable event bus started")
		}
	}

	gate := admission.New(k.Store(), k, k.Signer())
	bootDemoTimer(logger, gate, k)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := k.Shutdown(); err != nil {
		return fmt.Errorf("shutdown kernel: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// bootDemoTimer, when MINOOTS_BOOT_DEMO is set, schedules a short-lived
// timer through the gate shortly after boot so an operator can see a
// replica fire end-to-end without a separate client. The env var's
// value is used as the requesting API key ID. Never fatal: a failed
// demo schedule is logged and otherwise ignored.
func bootDemoTimer(logger zerolog.Logger, gate *admission.Gate, k *kernel.Kernel) {
	apiKeyID := os.Getenv("MINOOTS_BOOT_DEMO")
	if apiKeyID == "" {
		return
	}

	go func() {
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if k.IsLeader() {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		if !k.IsLeader() {
			logger.Warn().Msg("MINOOTS_BOOT_DEMO set but replica never became leader, skipping demo timer")
			return
		}

		timer, err := gate.Schedule(admission.ScheduleRequest{
			APIKeyID: apiKeyID,
			Name:     "boot-demo-timer",
			Duration: "30s",
			Metadata: map[string]string{"source": "MINOOTS_BOOT_DEMO"},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("MINOOTS_BOOT_DEMO demo timer schedule failed")
			return
		}
		logger.Info().Str("timer_id", timer.ID).Msg("MINOOTS_BOOT_DEMO demo timer scheduled")
	}()
}

func bridgeEventsToBus(ctx context.Context, sub kernel.Subscriber, bus *events.DurableBus) {
	for {
		select {
		case env, ok := <-sub:
			if !ok {
				return
			}
			if err := bus.Enqueue(ctx, env); err != nil {
				log.WithComponent("kerneld").Error().Err(err).Msg("enqueue event to durable bus")
			}
		case <-ctx.Done():
			return
		}
	}
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage tenant policy seed data directly against a data directory",
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a tenant policy seed file to a kernel data directory",
	Long: `Writes TenantPolicy records, plus zeroed UsageCounters for any
tenant that has none yet, directly into a replica's local bbolt store
from a YAML seed file. Run this offline,
against a stopped replica, or against a fresh data directory before
first boot — policies are never mutated through the admission gate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		seed, err := admission.LoadPolicySeedFile(file)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		applied, err := admission.ApplyPolicySeed(store, seed)
		if err != nil {
			return err
		}

		fmt.Printf("applied %d tenant polic%s from %s\n", applied, plural(applied), file)
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	policyCmd.AddCommand(policyApplyCmd)
	policyApplyCmd.Flags().StringP("file", "f", "", "YAML tenant policy seed file (required)")
	policyApplyCmd.Flags().String("data-dir", "./kerneld-data", "Data directory of the target replica")
	_ = policyApplyCmd.MarkFlagRequired("file")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Operate on the durable event bus directly, offline of any replica",
}

var eventsDLQReplayCmd = &cobra.Command{
	Use:   "dlq-replay",
	Short: "Republish every dead-lettered event back onto the primary stream",
	Long: `Connects directly to Redis and drains the dead-letter stream,
republishing each entry's original envelope onto the primary stream and
removing it from the dead-letter stream. Run this offline as an operator
maintenance action once whatever caused the dead-lettering is fixed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		redisAddr, _ := cmd.Flags().GetString("redis-addr")
		eventsStream, _ := cmd.Flags().GetString("events-stream")
		eventsDLQStream, _ := cmd.Flags().GetString("events-dlq-stream")
		eventsGroup, _ := cmd.Flags().GetString("events-group")
		if redisAddr == "" {
			return fmt.Errorf("--redis-addr (or NATS_URL) must be set")
		}

		bus, err := events.NewDurableBus(events.DurableBusConfig{
			Addr:      redisAddr,
			Stream:    eventsStream,
			DLQStream: eventsDLQStream,
			Group:     eventsGroup,
			Consumer:  "dlq-replay",
		})
		if err != nil {
			return fmt.Errorf("connect to durable bus: %w", err)
		}
		defer bus.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		replayed, err := bus.DLQReplay(ctx)
		if err != nil {
			return fmt.Errorf("dlq replay: %w", err)
		}

		fmt.Printf("replayed %d dead-lettered event(s) from %s to %s\n", replayed, eventsDLQStream, eventsStream)
		return nil
	},
}

func init() {
	eventsCmd.AddCommand(eventsDLQReplayCmd)
	rootCmd.AddCommand(eventsCmd)

	eventsDLQReplayCmd.Flags().String("redis-addr", os.Getenv("NATS_URL"), "Redis address for the durable event bus")
	eventsDLQReplayCmd.Flags().String("events-stream", envOrDefault("NATS_SUBJECT", "minoots.events"), "Durable event bus stream name (env NATS_SUBJECT)")
	eventsDLQReplayCmd.Flags().String("events-dlq-stream", envOrDefault("NATS_DLQ_SUBJECT", "minoots.events.dlq"), "Dead-letter stream name (env NATS_DLQ_SUBJECT)")
	eventsDLQReplayCmd.Flags().String("events-group", "minoots-kernel", "Durable bus consumer group name")
}
