package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/transport/memory"
	"github.com/stretchr/testify/require"
)

// RoundConfigOption modifies a test round configuration
type RoundConfigOption func(*protocol.RoundConfig)

// WithRoundID fixes the round identifier
func WithRoundID(id protocol.RoundID) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.ID = id
	}
}

// WithVectorSize sets the number of elements per vector
func WithVectorSize(size int) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.VectorSize = size
	}
}

// WithParticipants sets both the minimum and maximum participant counts
func WithParticipants(minimum, maximum int) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.MinParticipants = minimum
		cfg.MaxParticipants = maximum
	}
}

// WithDropoutTolerance sets how many participants may drop
func WithDropoutTolerance(tolerance int) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.DropoutTolerance = tolerance
	}
}

// WithThreshold overrides the derived Shamir threshold
func WithThreshold(threshold int) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.Threshold = threshold
	}
}

// WithRoundTimeout sets the default phase timeout
func WithRoundTimeout(timeout time.Duration) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.RoundTimeout = timeout
	}
}

// WithSubmissionTimeout sets the deadline shared by MASKING and SUBMISSION
func WithSubmissionTimeout(timeout time.Duration) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.SubmissionTimeout = timeout
	}
}

// WithSetupTimeout sets the SETUP deadline
func WithSetupTimeout(timeout time.Duration) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.SetupTimeout = timeout
	}
}

// WithJoinWindow keeps SETUP open for late joiners once the minimum is reached
func WithJoinWindow(window time.Duration) RoundConfigOption {
	return func(cfg *protocol.RoundConfig) {
		cfg.JoinWindow = window
	}
}

// NewRoundConfig creates a round configuration for five participants with
// one tolerated dropout, customized by options
func NewRoundConfig(options ...RoundConfigOption) protocol.RoundConfig {
	cfg := protocol.RoundConfig{
		VectorSize:       3,
		MinParticipants:  5,
		MaxParticipants:  5,
		DropoutTolerance: 1,
		RoundTimeout:     5 * time.Second,
	}
	for _, option := range options {
		option(&cfg)
	}
	return cfg
}

// ParticipantIDs returns n identifiers that sort in creation order
func ParticipantIDs(n int) []protocol.ParticipantID {
	ids := make([]protocol.ParticipantID, n)
	for i := range ids {
		ids[i] = protocol.ParticipantID(fmt.Sprintf("participant-%03d", i))
	}
	return ids
}

// SequentialVectors returns n vectors where element j of vector i is i*10+j+1
func SequentialVectors(n, size int) [][]int64 {
	vectors := make([][]int64, n)
	for i := range vectors {
		vectors[i] = make([]int64, size)
		for j := range vectors[i] {
			vectors[i][j] = int64(i*10 + j + 1)
		}
	}
	return vectors
}

// SumVectors adds vectors element-wise, skipping the given indices
func SumVectors(vectors [][]int64, skip ...int) []int64 {
	if len(vectors) == 0 {
		return nil
	}
	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}
	sum := make([]int64, len(vectors[0]))
	for i, v := range vectors {
		if skipped[i] {
			continue
		}
		for j := range v {
			sum[j] += v[j]
		}
	}
	return sum
}

// NewLogger returns a logger that writes through tb.Log
func NewLogger(tb testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{tb}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}

// Cluster is a coordinator and a set of agents wired over an in-memory network
type Cluster struct {
	Network     *memory.Network
	Coordinator *protocol.Coordinator
	Provider    crypto.Provider
	IDs         []protocol.ParticipantID
	Agents      []*protocol.Agent
	Conns       []*memory.Conn
}

// ClusterOption modifies how a cluster is built
type ClusterOption func(*clusterConfig)

type clusterConfig struct {
	coordinator protocol.CoordinatorConfig
	observer    protocol.Observer
	verbose     bool
}

// WithObserver attaches an observer to the coordinator
func WithObserver(observer protocol.Observer) ClusterOption {
	return func(cfg *clusterConfig) {
		cfg.observer = observer
	}
}

// WithCoordinatorConfig sets the coordinator configuration
func WithCoordinatorConfig(config protocol.CoordinatorConfig) ClusterOption {
	return func(cfg *clusterConfig) {
		cfg.coordinator = config
	}
}

// WithVerboseLogs routes protocol logs to the test log
func WithVerboseLogs() ClusterOption {
	return func(cfg *clusterConfig) {
		cfg.verbose = true
	}
}

// NewCluster starts a coordinator and n connected agents. Everything is torn
// down when the test ends.
func NewCluster(tb testing.TB, n int, options ...ClusterOption) *Cluster {
	tb.Helper()

	var cfg clusterConfig
	for _, option := range options {
		option(&cfg)
	}
	var log *slog.Logger
	if cfg.verbose {
		log = NewLogger(tb)
	}

	net := memory.NewNetwork()
	provider := crypto.NewProvider()
	c := &Cluster{
		Network:     net,
		Coordinator: protocol.NewCoordinator(cfg.coordinator, net.Coordinator(), provider, cfg.observer, log),
		Provider:    provider,
		IDs:         ParticipantIDs(n),
	}

	for _, id := range c.IDs {
		conn, err := net.Connect(id)
		require.NoError(tb, err)
		c.Conns = append(c.Conns, conn)
		c.Agents = append(c.Agents, protocol.NewAgent(protocol.AgentConfig{ID: id}, conn, provider, log))
	}

	tb.Cleanup(func() {
		for _, agent := range c.Agents {
			agent.Close()
		}
		c.Coordinator.Close()
		net.Close()
	})
	return c
}

// JoinAll makes every listed agent join round. With no indices every agent joins.
func (c *Cluster) JoinAll(tb testing.TB, ctx context.Context, round protocol.RoundID, indices ...int) {
	tb.Helper()
	for _, i := range c.indices(indices) {
		require.NoError(tb, c.Agents[i].JoinRound(ctx, round), "agent %d", i)
	}
}

// SubmitAll submits vectors[i] for every listed agent concurrently and waits.
func (c *Cluster) SubmitAll(tb testing.TB, ctx context.Context, vectors [][]int64, indices ...int) {
	tb.Helper()
	indices = c.indices(indices)
	errs := make(chan error, len(indices))
	for _, i := range indices {
		go func() {
			if err := c.Agents[i].SubmitVector(ctx, vectors[i]); err != nil {
				errs <- fmt.Errorf("agent %d: %w", i, err)
				return
			}
			errs <- nil
		}()
	}
	for range indices {
		require.NoError(tb, <-errs)
	}
}

// AwaitState waits until agent i reaches state.
func (c *Cluster) AwaitState(tb testing.TB, i int, state protocol.AgentState) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		return c.Agents[i].State() == state
	}, 5*time.Second, 5*time.Millisecond, "agent %d stuck in %s", i, c.Agents[i].State())
}

func (c *Cluster) indices(indices []int) []int {
	if len(indices) > 0 {
		return indices
	}
	all := make([]int, len(c.Agents))
	for i := range all {
		all[i] = i
	}
	return all
}
