/*
Package testutil provides fixtures for testing secure aggregation rounds.

# Round Configuration

NewRoundConfig returns a five participant, one dropout configuration that
options adjust:

	cfg := testutil.NewRoundConfig(
	    testutil.WithVectorSize(8),
	    testutil.WithParticipants(3, 10),
	    testutil.WithDropoutTolerance(2),
	)

# Clusters

NewCluster wires a coordinator and n agents over an in-memory network and
tears everything down with the test:

	cluster := testutil.NewCluster(t, 5)
	roundID, _ := cluster.Coordinator.OpenRound(cfg)
	cluster.JoinAll(t, ctx, roundID)
	cluster.SubmitAll(t, ctx, vectors, 0, 1, 2, 3)

# Vectors

SequentialVectors and SumVectors produce inputs and the expected sums.
*/
package testutil
