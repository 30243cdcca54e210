package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/transport/memory"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	Participants int
	VectorSize   int
	Tolerance    int
	Drop         int
	Timeout      time.Duration
}

func newDemoCmd() *cobra.Command {
	opts := demoOptions{}
	var logLevel string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one round in-process",
		Long:  "Run a coordinator and participants on the in-memory transport, dropping some participants after the key exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := common.NewLogger(common.LogConfig{Level: logLevel}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = runDemo(cmd.Context(), opts, cmd.OutOrStdout(), log)
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Participants, "participants", 5, "Number of participants")
	flags.IntVar(&opts.VectorSize, "vector-size", 3, "Vector length")
	flags.IntVar(&opts.Tolerance, "tolerance", 1, "Dropout tolerance")
	flags.IntVar(&opts.Drop, "drop", 1, "Participants that leave after the key exchange")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Round timeout")
	flags.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	return cmd
}

// demoVector is participant i's contribution: element j is (i+1)*(j+1).
func demoVector(i, size int) []int64 {
	v := make([]int64, size)
	for j := range v {
		v[j] = int64((i + 1) * (j + 1))
	}
	return v
}

func runDemo(ctx context.Context, opts demoOptions, out io.Writer, log *slog.Logger) (*protocol.AggregationResult, error) {
	if opts.Drop < 0 || opts.Drop >= opts.Participants {
		return nil, fmt.Errorf("%w: drop %d of %d participants", protocol.ErrInvalidParameters, opts.Drop, opts.Participants)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout+5*time.Second)
	defer cancel()

	net := memory.NewNetwork()
	defer net.Close()

	provider := crypto.NewProvider()
	coordinator := protocol.NewCoordinator(protocol.CoordinatorConfig{}, net.Coordinator(), provider, nil, log)
	defer coordinator.Close()

	agents := make([]*protocol.Agent, opts.Participants)
	for i := range agents {
		id := protocol.ParticipantID(fmt.Sprintf("participant-%02d", i+1))
		conn, err := net.Connect(id)
		if err != nil {
			return nil, err
		}
		agents[i] = protocol.NewAgent(protocol.AgentConfig{ID: id}, conn, provider, log)
		defer agents[i].Close()
	}

	roundID, err := coordinator.OpenRound(protocol.RoundConfig{
		VectorSize:       opts.VectorSize,
		MinParticipants:  opts.Participants,
		DropoutTolerance: opts.Tolerance,
		RoundTimeout:     opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "round %s: %d participants, vector size %d, tolerance %d\n",
		roundID, opts.Participants, opts.VectorSize, opts.Tolerance)

	for _, agent := range agents {
		if err := agent.JoinRound(ctx, roundID); err != nil {
			return nil, err
		}
	}
	for _, agent := range agents {
		if err := waitForState(ctx, agent, protocol.StateSubmitting); err != nil {
			return nil, fmt.Errorf("%s: %w", agent.ID(), err)
		}
	}

	survivors := agents[:len(agents)-opts.Drop]
	for _, agent := range agents[len(survivors):] {
		fmt.Fprintf(out, "  %s leaves after key exchange\n", agent.ID())
		agent.LeaveRound()
	}

	expected := make([]int64, opts.VectorSize)
	var wg sync.WaitGroup
	errs := make([]error, len(survivors))
	for i, agent := range survivors {
		v := demoVector(i, opts.VectorSize)
		for j := range expected {
			expected[j] += v[j]
		}
		fmt.Fprintf(out, "  %s contributes %v\n", agent.ID(), v)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = agent.SubmitVector(ctx, v)
		}()
	}
	wg.Wait()

	summary, err := coordinator.WaitRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if summary.Phase == protocol.PhaseAborted {
		fmt.Fprintf(out, "round aborted: %s\n", summary.Error)
		return nil, protocol.NewError(summary.ErrorCode, "demo", errors.New(summary.Error))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	result, err := coordinator.Result(roundID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "aggregate %v from %d contributors, recovered masks of %v\n",
		result.AggregatedVector, result.ContributorCount, result.RecoveredParticipantIDs)
	if !slices.Equal(expected, result.AggregatedVector) {
		return result, fmt.Errorf("aggregate mismatch: expected %v", expected)
	}
	return result, nil
}

func waitForState(ctx context.Context, agent *protocol.Agent, want protocol.AgentState) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch s := agent.State(); {
		case s == want:
			return nil
		case s.Terminal():
			if _, err := agent.AwaitResult(ctx); err != nil {
				return err
			}
			return fmt.Errorf("%w: agent finished in %s", protocol.ErrInvalidState, s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
