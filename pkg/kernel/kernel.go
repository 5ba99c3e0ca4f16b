package kernel

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/minoots/pkg/events"
	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/security"
	"github.com/cuemby/minoots/pkg/storage"
	"github.com/cuemby/minoots/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Kernel is a single replica of the timer fabric: a Raft-replicated state
// machine, a local BoltDB mirror of that state, and — when this replica
// is the leader — a live wheel driving fire commands back through Raft.
type Kernel struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft       *raft.Raft
	fsm        *FSM
	store      storage.Store
	wheel      *Wheel
	jitter     *JitterController
	signer     *security.EnvelopeSigner
	broker     *events.Broker
	durableBus *events.DurableBus

	leaderCh chan bool
	stopCh   chan struct{}
}

// Config configures a new Kernel.
type Config struct {
	NodeID     string
	BindAddr   string
	DataDir    string
	SigningKey []byte
}

// New creates a Kernel instance. Call Bootstrap or Join afterward to
// start Raft.
func New(cfg *Config) (*Kernel, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	signer, err := security.NewEnvelopeSigner(cfg.SigningKey)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create envelope signer: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	k := &Kernel{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		jitter:   NewJitterController(0.2),
		signer:   signer,
		broker:   broker,
		leaderCh: make(chan bool, 1),
		stopCh:   make(chan struct{}),
	}
	k.wheel = NewWheel(k.onWheelFire)

	return k, nil
}

func raftConfig(nodeID string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	// Tuned for LAN/edge deployment rather than Raft's WAN-conservative
	// defaults, targeting sub-10s failover.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

func (k *Kernel) startRaft() (*raft.Raft, error) {
	config := raftConfig(k.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", k.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(k.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(k.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(k.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(k.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, k.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster.
func (k *Kernel) Bootstrap() error {
	r, err := k.startRaft()
	if err != nil {
		return err
	}
	k.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(k.nodeID), Address: raft.ServerAddress(k.bindAddr)},
		},
	}
	if err := k.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	go k.watchLeadership()
	return nil
}

// Join starts Raft on this node without bootstrapping a configuration;
// the caller is expected to be added via the leader's AddVoter.
func (k *Kernel) Join() error {
	r, err := k.startRaft()
	if err != nil {
		return err
	}
	k.raft = r

	go k.watchLeadership()
	return nil
}

// watchLeadership rebuilds and starts the wheel whenever this replica
// becomes leader, and stops it the moment leadership is lost — a
// follower's wheel must never fire commands it does not hold the right
// to submit.
func (k *Kernel) watchLeadership() {
	obsCh := make(chan raft.Observation, 1)
	observer := raft.NewObserver(obsCh, true, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	k.raft.RegisterObserver(observer)
	defer k.raft.DeregisterObserver(observer)

	for {
		select {
		case <-obsCh:
			if k.IsLeader() {
				if err := k.RebuildWheel(); err != nil {
					log.WithComponent("kernel").Error().Err(err).Msg("rebuild wheel")
				}
				k.wheel.Start()
			} else {
				k.wheel.Stop()
			}
		case <-k.stopCh:
			return
		}
	}
}

// onWheelFire is the wheel's FireFunc: it submits a fire command through
// Raft. Only called while this replica is (or was, microseconds ago) the
// leader; a stale fire submitted just after losing leadership simply
// fails with ErrNotLeader and is dropped.
func (k *Kernel) onWheelFire(ref types.TimerRef, fireAt time.Time) {
	now := time.Now().UTC()
	driftMs := now.Sub(fireAt).Milliseconds()

	cmd := FireCommand{
		TenantID: ref.TenantID,
		TimerID:  ref.TimerID,
		FiredAt:  now.UnixMilli(),
		DriftMs:  driftMs,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		log.WithComponent("kernel").Error().Err(err).Msg("marshal fire command")
		return
	}

	timer, err := k.submit(types.CommandFire, data)
	if err != nil {
		log.WithComponent("kernel").Error().Err(err).Msg("apply fire command")
		return
	}
	if timer.Status != types.TimerFired {
		// The FSM dropped this fire: the timer had already settled.
		return
	}

	metrics.TimersFired.WithLabelValues(ref.TenantID).Inc()
	k.jitter.Observe(ref.TenantID, driftMs)
	metrics.FiringJitterSeconds.Observe(float64(driftMs) / 1000)
	k.publishEvent(types.EventFired, timer, driftMs)
}

// submit marshals op and data into a Command, applies it through Raft,
// and unwraps the FSM's typed response.
func (k *Kernel) submit(op types.CommandKind, data json.RawMessage) (*types.Timer, error) {
	if k.raft == nil {
		return nil, newErr(KindUnavailable, "raft not initialized")
	}

	t := metrics.NewTimer()
	defer t.ObserveDuration(metrics.RaftApplyDuration)

	cmd := Command{Op: op, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, wrapErr(KindInternal, err, "marshal command")
	}

	future := k.raft.Apply(payload, 5*time.Second)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return nil, wrapErr(KindUnavailable, err, "not the leader, current leader: %s", k.LeaderAddr())
		}
		return nil, wrapErr(KindUnavailable, err, "apply command")
	}

	switch resp := future.Response().(type) {
	case *types.Timer:
		return resp, nil
	case *Error:
		return nil, resp
	case error:
		return nil, wrapErr(KindInternal, resp, "fsm apply")
	default:
		return nil, newErr(KindInternal, "unexpected fsm response type %T", resp)
	}
}

func (k *Kernel) publishEvent(kind types.EventKind, timer *types.Timer, driftMs int64) {
	if timer == nil || k.broker == nil {
		return
	}
	env := &types.EventEnvelope{
		ID:            fmt.Sprintf("%s-%s-%d", timer.ID, kind, timer.StateVersion),
		TenantID:      timer.TenantID,
		TimerID:       timer.ID,
		Kind:          kind,
		OccurredAt:    time.Now().UTC(),
		StateVersion:  timer.StateVersion,
		TimerSnapshot: timer,
		DriftMs:       driftMs,
	}
	data, err := json.Marshal(struct {
		TenantID     string          `json:"tenant_id"`
		TimerID      string          `json:"timer_id"`
		Kind         types.EventKind `json:"kind"`
		StateVersion uint64          `json:"state_version"`
	}{timer.TenantID, timer.ID, kind, timer.StateVersion})
	if err == nil {
		env.Signature = k.signer.Sign(data)
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()
	k.broker.Publish(env)
}

// AddVoter adds a new replica to the cluster. Only callable on the
// leader.
func (k *Kernel) AddVoter(nodeID, address string) error {
	if k.raft == nil {
		return newErr(KindUnavailable, "raft not initialized")
	}
	if !k.IsLeader() {
		return newErr(KindFailedPrecondition, "not the leader, current leader: %s", k.LeaderAddr())
	}
	future := k.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return wrapErr(KindInternal, err, "add voter")
	}
	return nil
}

// RemoveServer removes a replica from the cluster. Only callable on the
// leader.
func (k *Kernel) RemoveServer(nodeID string) error {
	if k.raft == nil {
		return newErr(KindUnavailable, "raft not initialized")
	}
	if !k.IsLeader() {
		return newErr(KindFailedPrecondition, "not the leader")
	}
	future := k.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return wrapErr(KindInternal, err, "remove server")
	}
	return nil
}

// GetClusterServers returns the current Raft configuration.
func (k *Kernel) GetClusterServers() ([]raft.Server, error) {
	if k.raft == nil {
		return nil, newErr(KindUnavailable, "raft not initialized")
	}
	future := k.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, wrapErr(KindInternal, err, "get configuration")
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this replica currently holds Raft leadership.
func (k *Kernel) IsLeader() bool {
	return k.raft != nil && k.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, if known.
func (k *Kernel) LeaderAddr() string {
	if k.raft == nil {
		return ""
	}
	return string(k.raft.Leader())
}

// RaftStats exposes a small snapshot of Raft health for the metrics
// collector.
func (k *Kernel) RaftStats() map[string]interface{} {
	if k.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          k.raft.State().String(),
		"last_log_index": k.raft.LastIndex(),
		"applied_index":  k.raft.AppliedIndex(),
		"leader":         string(k.raft.Leader()),
	}
	if cf := k.raft.GetConfiguration(); cf.Error() == nil {
		stats["peers"] = uint64(len(cf.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}
	return stats
}

// EventBroker returns the in-process event broker.
func (k *Kernel) EventBroker() *events.Broker {
	return k.broker
}

// Store returns the replica's local durable store, for callers (the
// admission gate, policy seeding tools) that need to read tenant policy
// and usage state the kernel itself doesn't expose through API.
func (k *Kernel) Store() storage.Store {
	return k.store
}

// Signer returns the replica's envelope signer, so the admission gate can
// sign command envelopes with the same key the kernel signs events with.
func (k *Kernel) Signer() *security.EnvelopeSigner {
	return k.signer
}

// SetDurableBus attaches the Redis-backed event bus StreamEvents replays
// from on resume. Call it before serving traffic; it is not safe to call
// concurrently with StreamEvents.
func (k *Kernel) SetDurableBus(bus *events.DurableBus) {
	k.durableBus = bus
}

// NodeID returns this replica's Raft server ID.
func (k *Kernel) NodeID() string {
	return k.nodeID
}

// Shutdown stops the wheel, Raft, and the local store.
func (k *Kernel) Shutdown() error {
	close(k.stopCh)
	k.wheel.Stop()

	if k.broker != nil {
		k.broker.Stop()
	}

	if k.raft != nil {
		if err := k.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if k.store != nil {
		if err := k.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}
