package protocol_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/testutil"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startRound opens a round and brings every agent to SUBMITTING.
func startRound(t *testing.T, ctx context.Context, cluster *testutil.Cluster, cfg protocol.RoundConfig) protocol.RoundID {
	t.Helper()
	roundID, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)
	cluster.JoinAll(t, ctx, roundID)
	for i := range cluster.Agents {
		cluster.AwaitState(t, i, protocol.StateSubmitting)
	}
	return roundID
}

func TestRoundWithoutDropouts(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)
	vectors := testutil.SequentialVectors(5, 3)

	roundID := startRound(t, ctx, cluster, testutil.NewRoundConfig())
	cluster.SubmitAll(t, ctx, vectors)

	summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseComplete, summary.Phase)

	result, err := cluster.Coordinator.Result(roundID)
	require.NoError(t, err)
	require.Equal(t, testutil.SumVectors(vectors), result.AggregatedVector)
	require.Equal(t, 5, result.ContributorCount)
	require.Empty(t, result.RecoveredParticipantIDs)

	for i, agent := range cluster.Agents {
		got, err := agent.AwaitResult(ctx)
		require.NoError(t, err, "agent %d", i)
		require.Equal(t, result, got)
		require.Equal(t, protocol.StateDone, agent.State())
	}
}

func TestRoundRecoversFromDropoutBeforeSubmission(t *testing.T) {
	for name, drop := range map[string]func(c *testutil.Cluster){
		"leave":      func(c *testutil.Cluster) { c.Agents[4].LeaveRound() },
		"disconnect": func(c *testutil.Cluster) { c.Network.Disconnect(c.IDs[4]) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testContext(t)
			cluster := testutil.NewCluster(t, 5)
			vectors := testutil.SequentialVectors(5, 3)

			roundID := startRound(t, ctx, cluster, testutil.NewRoundConfig())
			drop(cluster)
			cluster.SubmitAll(t, ctx, vectors, 0, 1, 2, 3)

			summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
			require.NoError(t, err)
			require.Equal(t, protocol.PhaseComplete, summary.Phase, summary.Error)
			require.Equal(t, []protocol.ParticipantID{cluster.IDs[4]}, summary.Dropped)

			result, err := cluster.Coordinator.Result(roundID)
			require.NoError(t, err)
			require.Equal(t, testutil.SumVectors(vectors, 4), result.AggregatedVector)
			require.Equal(t, 4, result.ContributorCount)
			require.Equal(t, []protocol.ParticipantID{cluster.IDs[4]}, result.RecoveredParticipantIDs)

			for i := range 4 {
				got, err := cluster.Agents[i].AwaitResult(ctx)
				require.NoError(t, err)
				require.Equal(t, result.AggregatedVector, got.AggregatedVector)
			}
		})
	}
}

func TestRoundSubmissionDeadlineRecoversSilentParticipant(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)
	vectors := testutil.SequentialVectors(5, 4)

	cfg := testutil.NewRoundConfig(
		testutil.WithVectorSize(4),
		testutil.WithSubmissionTimeout(500*time.Millisecond),
	)
	roundID := startRound(t, ctx, cluster, cfg)
	cluster.SubmitAll(t, ctx, vectors, 0, 1, 2, 3)

	summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseComplete, summary.Phase, summary.Error)

	silent := cluster.Agents[4]
	result, err := silent.AwaitResult(ctx)
	require.NoError(t, err)
	require.Equal(t, testutil.SumVectors(vectors, 4), result.AggregatedVector)
	require.Equal(t, []protocol.ParticipantID{cluster.IDs[4]}, result.RecoveredParticipantIDs)
	require.Equal(t, protocol.StateRecoveredFrom, silent.State())

	err = silent.SubmitVector(ctx, vectors[4])
	require.ErrorIs(t, err, protocol.ErrParticipantDropped)
}

func TestRoundAbortsWhenDropoutsExceedTolerance(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)

	roundID := startRound(t, ctx, cluster, testutil.NewRoundConfig())
	cluster.Agents[3].LeaveRound()
	cluster.Agents[4].LeaveRound()

	summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseAborted, summary.Phase)
	require.Equal(t, protocol.CodeDropoutExceeded, summary.ErrorCode)

	_, err = cluster.Coordinator.Result(roundID)
	require.ErrorIs(t, err, protocol.ErrDropoutExceeded)
	require.ErrorIs(t, err, protocol.ErrRoundAborted)

	for i := range 3 {
		_, err := cluster.Agents[i].AwaitResult(ctx)
		require.ErrorIs(t, err, protocol.ErrDropoutExceeded)
		require.True(t, protocol.RoundFatal(err))
		require.Equal(t, protocol.StateAborted, cluster.Agents[i].State())

		err = cluster.Agents[i].SubmitVector(ctx, []int64{1, 2, 3})
		require.ErrorIs(t, err, protocol.ErrDropoutExceeded)
	}
}

func TestRoundQuorumNotMet(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)

	cfg := testutil.NewRoundConfig(testutil.WithSetupTimeout(200 * time.Millisecond))
	roundID, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)
	cluster.JoinAll(t, ctx, roundID, 0, 1, 2)

	summary, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseAborted, summary.Phase)
	require.Equal(t, protocol.CodeQuorumNotMet, summary.ErrorCode)

	for i := range 3 {
		_, err := cluster.Agents[i].AwaitResult(ctx)
		require.ErrorIs(t, err, protocol.ErrQuorumNotMet)
	}
	require.Equal(t, protocol.StateIdle, cluster.Agents[3].State())
}

func TestAgentSubmitVectorErrors(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 3)
	vectors := testutil.SequentialVectors(3, 3)

	err := cluster.Agents[0].SubmitVector(ctx, vectors[0])
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	cfg := testutil.NewRoundConfig(testutil.WithParticipants(3, 3))
	startRound(t, ctx, cluster, cfg)

	err = cluster.Agents[0].SubmitVector(ctx, []int64{1, 2})
	require.ErrorIs(t, err, protocol.ErrVectorLength)
	require.Equal(t, protocol.ClassParameter, protocol.Classify(err))
	require.Equal(t, protocol.StateSubmitting, cluster.Agents[0].State())

	require.NoError(t, cluster.Agents[0].SubmitVector(ctx, vectors[0]))
	err = cluster.Agents[0].SubmitVector(ctx, vectors[0])
	require.ErrorIs(t, err, protocol.ErrAlreadySubmitted)

	cluster.SubmitAll(t, ctx, vectors, 1, 2)
	result, err := cluster.Agents[0].AwaitResult(ctx)
	require.NoError(t, err)
	require.Equal(t, testutil.SumVectors(vectors), result.AggregatedVector)

	err = cluster.Agents[0].SubmitVector(ctx, vectors[0])
	require.ErrorIs(t, err, protocol.ErrAlreadySubmitted)
}

func TestAgentCannotJoinTwice(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 2)

	roundID, err := cluster.Coordinator.OpenRound(testutil.NewRoundConfig(testutil.WithParticipants(2, 2), testutil.WithDropoutTolerance(0)))
	require.NoError(t, err)
	require.NoError(t, cluster.Agents[0].JoinRound(ctx, roundID))
	require.ErrorIs(t, cluster.Agents[0].JoinRound(ctx, roundID), protocol.ErrInvalidState)
}

func TestAgentLeaveRoundIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)

	roundID := startRound(t, ctx, cluster, testutil.NewRoundConfig())
	agent := cluster.Agents[2]
	agent.LeaveRound()
	agent.LeaveRound()
	require.Equal(t, protocol.StateLeft, agent.State())
	require.Equal(t, protocol.RoundID(""), agent.RoundID())

	_, err := agent.AwaitResult(ctx)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	require.Eventually(t, func() bool {
		s, ok := cluster.Coordinator.Round(roundID)
		return ok && len(s.Dropped) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestJoinUnknownRound(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 1)

	require.NoError(t, cluster.Agents[0].JoinRound(ctx, "no-such-round"))
	_, err := cluster.Agents[0].AwaitResult(ctx)
	require.ErrorIs(t, err, protocol.ErrUnknownRound)
	require.Equal(t, protocol.ClassProtocol, protocol.Classify(err))
}

func TestAgentsReceiveAnnouncements(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 3)

	cfg := testutil.NewRoundConfig(testutil.WithParticipants(3, 3), testutil.WithVectorSize(7))
	roundID, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)

	for _, agent := range cluster.Agents {
		ann, err := agent.NextAnnouncement(ctx)
		require.NoError(t, err)
		require.Equal(t, roundID, ann.RoundID)
		require.Equal(t, 7, ann.VectorSize)
		require.False(t, ann.JoinDeadline.IsZero())
	}
}

func TestCoordinatorRejectsInvalidRounds(t *testing.T) {
	cluster := testutil.NewCluster(t, 1)

	_, err := cluster.Coordinator.OpenRound(testutil.NewRoundConfig(testutil.WithVectorSize(0)))
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)

	_, err = cluster.Coordinator.OpenRound(testutil.NewRoundConfig(testutil.WithDropoutTolerance(4)))
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)

	cfg := testutil.NewRoundConfig(testutil.WithRoundID("fixed"))
	id, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)
	require.Equal(t, protocol.RoundID("fixed"), id)
	_, err = cluster.Coordinator.OpenRound(cfg)
	require.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestCoordinatorAbortAndClose(t *testing.T) {
	ctx := testContext(t)
	cluster := testutil.NewCluster(t, 5)

	first := startRound(t, ctx, cluster, testutil.NewRoundConfig())
	require.NoError(t, cluster.Coordinator.AbortRound(first))

	summary, err := cluster.Coordinator.WaitRound(ctx, first)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseAborted, summary.Phase)
	require.Equal(t, protocol.CodeRoundAborted, summary.ErrorCode)
	require.ErrorIs(t, cluster.Coordinator.AbortRound(first), protocol.ErrUnknownRound)

	_, err = cluster.Coordinator.Result("missing")
	require.ErrorIs(t, err, protocol.ErrUnknownRound)

	second, err := cluster.Coordinator.OpenRound(testutil.NewRoundConfig())
	require.NoError(t, err)
	_, err = cluster.Coordinator.Result(second)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	require.NoError(t, cluster.Coordinator.Close())
	summary, err = cluster.Coordinator.WaitRound(ctx, second)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeCoordinatorShutdown, summary.ErrorCode)

	_, err = cluster.Coordinator.OpenRound(testutil.NewRoundConfig())
	require.ErrorIs(t, err, protocol.ErrCoordinatorClose)
	require.Len(t, cluster.Coordinator.Rounds(), 2)
}

func TestCoordinatorRunsConcurrentRounds(t *testing.T) {
	ctx := testContext(t)
	var mu sync.Mutex
	var results []*protocol.AggregationResult
	cluster := testutil.NewCluster(t, 6, testutil.WithCoordinatorConfig(protocol.CoordinatorConfig{
		OnResult: func(r *protocol.AggregationResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		},
	}))
	vectors := testutil.SequentialVectors(6, 2)
	cfg := testutil.NewRoundConfig(testutil.WithParticipants(3, 3), testutil.WithVectorSize(2))

	a, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)
	b, err := cluster.Coordinator.OpenRound(cfg)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	cluster.JoinAll(t, ctx, a, 0, 1, 2)
	cluster.JoinAll(t, ctx, b, 3, 4, 5)
	for i := range 6 {
		cluster.AwaitState(t, i, protocol.StateSubmitting)
	}
	cluster.SubmitAll(t, ctx, vectors)

	ra, err := cluster.Agents[0].AwaitResult(ctx)
	require.NoError(t, err)
	require.Equal(t, testutil.SumVectors(vectors[:3]), ra.AggregatedVector)
	rb, err := cluster.Agents[5].AwaitResult(ctx)
	require.NoError(t, err)
	require.Equal(t, testutil.SumVectors(vectors[3:]), rb.AggregatedVector)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

type countingObserver struct {
	mu         sync.Mutex
	opened     int
	completed  int
	dropped    int
	submitted  int
	recoveries int
	aborted    []string
}

func (o *countingObserver) RoundOpened() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) RoundCompleted(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *countingObserver) RoundAborted(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = append(o.aborted, code)
}

func (o *countingObserver) ParticipantDropped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *countingObserver) VectorSubmitted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted++
}

func (o *countingObserver) RecoveryFinished(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries++
}

func TestCoordinatorReportsToObserver(t *testing.T) {
	ctx := testContext(t)
	observer := &countingObserver{}
	cluster := testutil.NewCluster(t, 5, testutil.WithObserver(observer))
	vectors := testutil.SequentialVectors(5, 3)

	roundID := startRound(t, ctx, cluster, testutil.NewRoundConfig())
	cluster.Agents[0].LeaveRound()
	cluster.SubmitAll(t, ctx, vectors, 1, 2, 3, 4)
	_, err := cluster.Coordinator.WaitRound(ctx, roundID)
	require.NoError(t, err)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Equal(t, 1, observer.opened)
	require.Equal(t, 1, observer.completed)
	require.Equal(t, 1, observer.dropped)
	require.Equal(t, 4, observer.submitted)
	require.Equal(t, 1, observer.recoveries)
	require.Empty(t, observer.aborted)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	msg := &protocol.ErrorMessage{Code: protocol.CodeRecoveryFailed, Message: "not enough shares", Terminal: true}
	err := msg.Err()
	require.ErrorIs(t, err, protocol.ErrRecoveryFailed)
	require.Equal(t, protocol.CodeRecoveryFailed, protocol.CodeOf(err))
	require.Equal(t, protocol.ClassRecovery, protocol.Classify(err))

	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "remote", perr.Op)
}
