package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/transport/tcp"
	"github.com/spf13/cobra"
)

func newParticipantCmd() *cobra.Command {
	var (
		configPath  string
		coordinator string
		id          string
		round       string
		vector      string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Contribute one vector to a round",
		Long:  "Connect to a coordinator, join a round, submit a masked vector and print the aggregate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.LoadParticipantConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("coordinator") {
				cfg.Coordinator = coordinator
			}
			if flags.Changed("id") {
				cfg.ID = id
			}
			if flags.Changed("round") {
				cfg.Round = round
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("vector") {
				if cfg.Vector, err = common.ParseVector(vector); err != nil {
					return fmt.Errorf("--vector: %w", err)
				}
			}
			return runParticipant(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to YAML config file")
	flags.StringVar(&coordinator, "coordinator", "localhost:7000", "Coordinator TCP address")
	flags.StringVar(&id, "id", "", "Participant identifier")
	flags.StringVar(&round, "round", "", "Round to join (waits for an announcement when empty)")
	flags.StringVar(&vector, "vector", "", "Comma-separated integer vector, e.g. 1,2,3")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

func runParticipant(ctx context.Context, cfg *common.ParticipantConfig, out, logOut io.Writer) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: participant id is required", protocol.ErrInvalidParameters)
	}
	if len(cfg.Vector) == 0 {
		return fmt.Errorf("%w: vector is required", protocol.ErrInvalidParameters)
	}

	log, err := common.NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := tcp.Dial(ctx, tcp.ClientConfig{
		Addr:        cfg.Coordinator,
		ID:          protocol.ParticipantID(cfg.ID),
		DialTimeout: cfg.DialTimeout,
		Retry:       cfg.Retry,
		Log:         log.With("component", "transport"),
	})
	if err != nil {
		return err
	}

	agent := protocol.NewAgent(protocol.AgentConfig{ID: protocol.ParticipantID(cfg.ID)}, conn, crypto.NewProvider(), log)
	defer agent.Close()

	roundID := protocol.RoundID(cfg.Round)
	if roundID == "" {
		log.Info("waiting for round announcement")
		ann, err := agent.NextAnnouncement(ctx)
		if err != nil {
			return err
		}
		if ann.VectorSize != len(cfg.Vector) {
			return fmt.Errorf("%w: round %s expects %d elements, have %d",
				protocol.ErrVectorLength, ann.RoundID, ann.VectorSize, len(cfg.Vector))
		}
		roundID = ann.RoundID
	}

	if err := agent.JoinRound(ctx, roundID); err != nil {
		return err
	}
	log.Info("joined round", "round", roundID)

	if err := agent.SubmitVector(ctx, cfg.Vector); err != nil {
		return err
	}
	result, err := agent.AwaitResult(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
