package protocol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Coordinator runs aggregation rounds. Rounds live in an arena keyed by
// round id; each round is owned by one goroutine that applies events in the
// order the coordinator observes them.
type Coordinator struct {
	cfg       CoordinatorConfig
	transport CoordinatorTransport
	crypto    CryptoProvider
	observer  Observer
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	rounds     map[RoundID]*roundActor
	archive    map[RoundID]*RoundSummary
	membership map[ParticipantID]map[RoundID]struct{}
	closed     bool
}

// NewCoordinator creates a coordinator and registers its transport handlers.
// A nil observer or logger disables metrics or logging.
func NewCoordinator(cfg CoordinatorConfig, transport CoordinatorTransport, provider CryptoProvider, observer Observer, log *slog.Logger) *Coordinator {
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		transport:  transport,
		crypto:     provider,
		observer:   observer,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		rounds:     make(map[RoundID]*roundActor),
		archive:    make(map[RoundID]*RoundSummary),
		membership: make(map[ParticipantID]map[RoundID]struct{}),
	}

	transport.OnMessage(c.handleMessage)
	transport.OnDisconnect(c.handleDisconnect)
	return c
}

// OpenRound validates cfg, starts the round in SETUP and announces it to
// every connected participant.
func (c *Coordinator) OpenRound(cfg RoundConfig) (RoundID, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = RoundID(xid.New().String())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClose
	}
	if _, ok := c.rounds[cfg.ID]; ok {
		c.mu.Unlock()
		return "", paramErrorf("round %q already running", cfg.ID)
	}
	if _, ok := c.archive[cfg.ID]; ok {
		c.mu.Unlock()
		return "", paramErrorf("round %q already finished", cfg.ID)
	}

	actor := &roundActor{
		coordinator: c,
		events:      make(chan roundEvent, c.cfg.EventBuffer),
		done:        make(chan struct{}),
	}
	actor.state = newRound(cfg, actor, c.crypto, c.observer, c.log)
	actor.publish()
	c.rounds[cfg.ID] = actor
	c.wg.Add(1)
	c.mu.Unlock()

	go actor.run(c.ctx)
	c.observer.RoundOpened()

	announcement := &RoundAnnouncement{
		RoundID:          cfg.ID,
		VectorSize:       cfg.VectorSize,
		MinParticipants:  cfg.MinParticipants,
		MaxParticipants:  cfg.MaxParticipants,
		DropoutTolerance: cfg.DropoutTolerance,
		JoinDeadline:     actor.snapshot.Load().Deadline,
	}
	env, err := NewEnvelope(MsgRoundAnnouncement, cfg.ID, "", announcement)
	if err == nil {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
		err = c.transport.Broadcast(ctx, env)
		cancel()
	}
	if err != nil {
		c.log.Warn("round announcement failed", "round", cfg.ID, "err", err)
	}

	c.log.Info("round opened", "round", cfg.ID, "min", cfg.MinParticipants, "max", cfg.MaxParticipants,
		"vector_size", cfg.VectorSize, "tolerance", cfg.DropoutTolerance)
	return cfg.ID, nil
}

// AbortRound aborts a running round.
func (c *Coordinator) AbortRound(id RoundID) error {
	c.mu.RLock()
	actor, ok := c.rounds[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRound, id)
	}
	if !actor.post(roundEvent{kind: evAbort, err: ErrRoundAborted}) {
		return fmt.Errorf("%w: %s already finished", ErrUnknownRound, id)
	}
	return nil
}

// Round returns the latest snapshot of a running or finished round.
func (c *Coordinator) Round(id RoundID) (*RoundSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if actor, ok := c.rounds[id]; ok {
		return actor.snapshot.Load(), true
	}
	s, ok := c.archive[id]
	return s, ok
}

// Rounds returns snapshots of every known round, oldest first.
func (c *Coordinator) Rounds() []*RoundSummary {
	c.mu.RLock()
	out := make([]*RoundSummary, 0, len(c.rounds)+len(c.archive))
	for _, actor := range c.rounds {
		out = append(out, actor.snapshot.Load())
	}
	for _, s := range c.archive {
		out = append(out, s)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b *RoundSummary) int {
		if cmp := a.OpenedAt.Compare(b.OpenedAt); cmp != 0 {
			return cmp
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// Result returns the published result of a completed round.
func (c *Coordinator) Result(id RoundID) (*AggregationResult, error) {
	s, ok := c.Round(id)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRound, id)
	case s.Phase == PhaseAborted:
		return nil, NewError(s.ErrorCode, "result", fmt.Errorf("%w: %s", ErrRoundAborted, s.Error))
	case s.Phase != PhaseComplete:
		return nil, fmt.Errorf("%w: round %s is in %s", ErrInvalidState, id, s.Phase)
	}
	return s.Result.Clone(), nil
}

// WaitRound blocks until the round finishes and returns its final snapshot.
func (c *Coordinator) WaitRound(ctx context.Context, id RoundID) (*RoundSummary, error) {
	c.mu.RLock()
	actor, running := c.rounds[id]
	archived, finished := c.archive[id]
	c.mu.RUnlock()

	switch {
	case finished:
		return archived, nil
	case !running:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRound, id)
	}

	select {
	case <-actor.done:
		return actor.snapshot.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts every running round and waits for their goroutines.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) handleMessage(from ParticipantID, env *Envelope) {
	if env.Sender != "" && env.Sender != from {
		c.reply(from, env.RoundID, fmt.Errorf("%w: envelope sender %q", ErrMalformedPayload, env.Sender), false)
		return
	}

	var kind eventKind
	switch env.Type {
	case MsgJoinRound:
		kind = evJoin
	case MsgShareBundle:
		kind = evShareBundle
	case MsgSubmitVector:
		kind = evSubmit
	case MsgSecretShare:
		kind = evSecretShare
	case MsgLeaveRound:
		kind = evLeave
	case MsgHello:
		return
	case MsgError:
		if msg, err := DecodePayload[ErrorMessage](env); err == nil {
			c.log.Warn("participant reported error", "participant", from, "round", env.RoundID, "code", msg.Code, "message", msg.Message)
		}
		return
	default:
		c.reply(from, env.RoundID, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type), false)
		return
	}

	c.mu.Lock()
	actor, ok := c.rounds[env.RoundID]
	if ok {
		rounds := c.membership[from]
		if rounds == nil {
			rounds = make(map[RoundID]struct{})
			c.membership[from] = rounds
		}
		rounds[env.RoundID] = struct{}{}
	}
	c.mu.Unlock()

	if !ok || !actor.post(roundEvent{kind: kind, from: from, env: env}) {
		c.reply(from, env.RoundID, fmt.Errorf("%w: %q", ErrUnknownRound, env.RoundID), kind == evJoin)
	}
}

func (c *Coordinator) handleDisconnect(id ParticipantID) {
	c.mu.Lock()
	var actors []*roundActor
	for roundID := range c.membership[id] {
		if actor, ok := c.rounds[roundID]; ok {
			actors = append(actors, actor)
		}
	}
	delete(c.membership, id)
	c.mu.Unlock()

	c.log.Debug("participant disconnected", "participant", id, "rounds", len(actors))
	for _, actor := range actors {
		actor.post(roundEvent{kind: evDisconnect, from: id})
	}
}

// reply sends an error that is not owned by any round.
func (c *Coordinator) reply(to ParticipantID, round RoundID, err error, terminal bool) {
	env, encErr := NewEnvelope(MsgError, round, "", &ErrorMessage{
		RoundID:  round,
		Code:     CodeOf(err),
		Message:  err.Error(),
		Terminal: terminal,
	})
	if encErr != nil {
		return
	}
	c.deliver(to, env)
}

func (c *Coordinator) deliver(to ParticipantID, env *Envelope) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, to, env); err != nil {
		c.log.Debug("send failed", "participant", to, "type", env.Type, "err", err)
	}
}

// finish moves a terminal round from the arena into the archive.
func (c *Coordinator) finish(actor *roundActor) {
	final := actor.snapshot.Load()

	c.mu.Lock()
	delete(c.rounds, final.ID)
	c.archive[final.ID] = final
	for id, rounds := range c.membership {
		delete(rounds, final.ID)
		if len(rounds) == 0 {
			delete(c.membership, id)
		}
	}
	c.mu.Unlock()

	if final.Phase == PhaseComplete && c.cfg.OnResult != nil {
		c.cfg.OnResult(final.Result.Clone())
	}
}

// roundActor serializes every event of one round onto a single goroutine.
type roundActor struct {
	coordinator *Coordinator
	state       *round
	events      chan roundEvent
	done        chan struct{}
	snapshot    atomic.Pointer[RoundSummary]
}

// post queues an event. It returns false once the round has finished.
func (a *roundActor) post(ev roundEvent) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func (a *roundActor) send(to ParticipantID, env *Envelope) {
	a.coordinator.deliver(to, env)
}

func (a *roundActor) publish() {
	a.snapshot.Store(a.state.summary())
}

func (a *roundActor) run(ctx context.Context) {
	defer a.coordinator.wg.Done()
	defer close(a.done)

	deadline := a.state.deadline
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for !a.state.phase.Terminal() {
		fired := false
		select {
		case ev := <-a.events:
			a.state.dispatch(ev)
		case <-timer.C:
			fired = true
			a.state.dispatch(roundEvent{kind: evDeadline, deadline: deadline})
		case <-ctx.Done():
			a.state.abort(ErrCoordinatorClose)
		}
		a.publish()

		if a.state.phase.Terminal() || (!fired && a.state.deadline.Equal(deadline)) {
			continue
		}
		deadline = a.state.deadline
		if !fired && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(deadline))
	}

	a.coordinator.finish(a)
}

func compareIDs(a, b RoundID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
