package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/masking"
	"github.com/flashbots/secagg/shamir"
)

// Agent is the participant side of the protocol. It joins one round at a
// time, masks its private vector against its peers and helps recover the
// masks of peers that drop out.
//
// Pairwise secrets and the masking key never leave the agent except as
// threshold shares sealed to individual peers.
type Agent struct {
	cfg       AgentConfig
	id        ParticipantID
	transport ParticipantTransport
	crypto    CryptoProvider
	log       *slog.Logger

	announcements chan *RoundAnnouncement

	mu           sync.Mutex
	state        AgentState
	round        *agentRound
	changed      chan struct{}
	connected    bool
	reconnecting bool
	connErr      error
}

type agentRound struct {
	id         RoundID
	maskingPub crypto.KemPublicKey
	maskingKey crypto.KemPrivateKey
	channelPub crypto.KemPublicKey
	channelKey crypto.KemPrivateKey

	self       ParticipantInfo
	peers      map[ParticipantID]ParticipantInfo
	vectorSize int
	threshold  int
	pairwise   map[ParticipantID]crypto.SharedKey
	channels   map[ParticipantID]crypto.SharedKey
	held       map[ParticipantID]EncryptedShare
	active     []ParticipantID
	submitted  bool

	result *AggregationResult
	err    error
}

func (r *agentRound) wipe() {
	r.maskingKey.Zero()
	r.channelKey.Zero()
	r.pairwise = nil
	r.channels = nil
	r.held = nil
}

// NewAgent creates an agent bound to transport. A nil logger disables logging.
func NewAgent(cfg AgentConfig, transport ParticipantTransport, provider CryptoProvider, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:           cfg,
		id:            cfg.ID,
		transport:     transport,
		crypto:        provider,
		log:           log.With("participant", cfg.ID),
		announcements: make(chan *RoundAnnouncement, 16),
		changed:       make(chan struct{}),
		connected:     true,
	}
	transport.OnMessage(a.handleMessage)
	transport.OnDisconnect(a.handleDisconnect)
	return a
}

// ID returns the participant identifier.
func (a *Agent) ID() ParticipantID { return a.id }

// State returns the agent's current state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// RoundID returns the round the agent is in or last finished.
func (a *Agent) RoundID() RoundID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round == nil {
		return ""
	}
	return a.round.id
}

// Err returns the terminal connection error, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connErr
}

// Close releases round state and closes the transport.
func (a *Agent) Close() error {
	a.LeaveRound()
	return a.transport.Close()
}

// setState must be called with mu held.
func (a *Agent) setState(s AgentState) {
	if a.state == s {
		return
	}
	a.log.Debug("state transition", "from", a.state, "state", s)
	a.state = s
	a.notify()
}

// notify wakes everyone waiting on a change. Must be called with mu held.
func (a *Agent) notify() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// fail aborts the current round locally. A participant whose masks are being
// recovered can still see the round abort. Must be called with mu held.
func (a *Agent) fail(err error) {
	if a.round == nil || a.round.result != nil || a.state == StateAborted || a.state == StateLeft {
		return
	}
	a.round.err = err
	a.round.wipe()
	a.setState(StateAborted)
	a.log.Warn("round aborted", "round", a.round.id, "err", err)
}

func (a *Agent) send(typ MessageType, round RoundID, payload any) error {
	env, err := NewEnvelope(typ, round, a.id, &payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()
	if err := a.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransport, typ, err)
	}
	return nil
}

// NextAnnouncement waits for the next round announcement.
func (a *Agent) NextAnnouncement(ctx context.Context) (*RoundAnnouncement, error) {
	select {
	case ann := <-a.announcements:
		return ann, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinRound sends a join request with fresh ephemeral keys and waits for
// nothing else; the rest of the round is driven by coordinator messages.
func (a *Agent) JoinRound(ctx context.Context, id RoundID) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}

	maskingPub, maskingKey, err := a.crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate masking key: %w", err)
	}
	channelPub, channelKey, err := a.crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate channel key: %w", err)
	}

	a.mu.Lock()
	if a.state.inRound() {
		a.mu.Unlock()
		return fmt.Errorf("%w: already in round %s (%s)", ErrInvalidState, a.round.id, a.state)
	}
	r := &agentRound{
		id:         id,
		maskingPub: maskingPub,
		maskingKey: maskingKey,
		channelPub: channelPub,
		channelKey: channelKey,
	}
	a.round = r
	a.setState(StateJoining)
	a.mu.Unlock()

	err = a.send(MsgJoinRound, id, &JoinRound{
		ParticipantID: a.id,
		RoundID:       id,
		KeyExchange:   KeyExchange{MaskingKey: maskingPub, ChannelKey: channelPub},
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round != r {
		return nil
	}
	if err != nil {
		a.fail(err)
		return err
	}
	if a.state == StateJoining {
		a.setState(StateExchangingKeys)
	}
	a.log.Info("joined round", "round", id)
	return nil
}

// SubmitVector masks vector and sends it. It waits until the round reaches
// the submission step and succeeds at most once per round; a transport
// failure is returned and never retried.
func (a *Agent) SubmitVector(ctx context.Context, vector []int64) error {
	a.mu.Lock()
	for {
		r := a.round
		switch {
		case r == nil:
			a.mu.Unlock()
			return fmt.Errorf("%w: not in a round", ErrInvalidState)
		case r.submitted:
			a.mu.Unlock()
			return ErrAlreadySubmitted
		case a.state == StateSubmitting:
		case a.state.Terminal():
			err := r.err
			if err == nil {
				err = fmt.Errorf("%w: round is %s", ErrInvalidState, a.state)
			}
			a.mu.Unlock()
			return err
		default:
			changed := a.changed
			a.mu.Unlock()
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
			a.mu.Lock()
			continue
		}
		break
	}
	defer a.mu.Unlock()

	r := a.round
	if len(vector) != r.vectorSize {
		return fmt.Errorf("%w: got %d elements, round uses %d", ErrVectorLength, len(vector), r.vectorSize)
	}

	masks := make([]masking.PeerMask, 0, len(r.active))
	for _, peer := range r.active {
		if peer == a.id {
			continue
		}
		pm, err := masking.NewPeerMask(string(a.id), string(peer), r.pairwise[peer], string(r.id), r.vectorSize)
		if err != nil {
			return fmt.Errorf("mask against %s: %w", peer, err)
		}
		masks = append(masks, pm)
	}
	masked, err := masking.CombineMasks(masking.FromInt64s(vector), masks)
	if err != nil {
		return err
	}

	r.submitted = true
	a.setState(StateSubmitted)

	// Sent under the lock so a recovery request cannot be handled before the
	// submission has left.
	if err := a.send(MsgSubmitVector, r.id, &SubmitVector{
		ParticipantID: a.id,
		RoundID:       r.id,
		MaskedVector:  masked,
	}); err != nil {
		a.fail(err)
		return err
	}
	a.log.Info("vector submitted", "round", r.id, "peers", len(masks))
	return nil
}

// AwaitResult waits for the round's aggregation result.
func (a *Agent) AwaitResult(ctx context.Context) (*AggregationResult, error) {
	a.mu.Lock()
	for {
		r := a.round
		switch {
		case r == nil || a.state == StateLeft:
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: not in a round", ErrInvalidState)
		case r.result != nil:
			res := r.result.Clone()
			a.mu.Unlock()
			return res, nil
		case a.state == StateAborted:
			err := r.err
			a.mu.Unlock()
			return nil, err
		}
		changed := a.changed
		a.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		a.mu.Lock()
	}
}

// LeaveRound releases all round state. Calling it again has no further effect.
func (a *Agent) LeaveRound() {
	a.mu.Lock()
	r := a.round
	wasActive := a.state.inRound()
	if r == nil {
		a.mu.Unlock()
		return
	}
	r.wipe()
	a.round = nil
	a.setState(StateLeft)
	a.mu.Unlock()

	if wasActive {
		if err := a.send(MsgLeaveRound, r.id, &LeaveRound{ParticipantID: a.id, RoundID: r.id}); err != nil {
			a.log.Debug("leave notification failed", "round", r.id, "err", err)
		}
	}
	a.log.Info("left round", "round", r.id)
}

func (a *Agent) handleMessage(env *Envelope) {
	switch env.Type {
	case MsgRoundAnnouncement:
		a.onAnnouncement(env)
	case MsgRoundStarted:
		a.onRoundStarted(env)
	case MsgMaskingStarted:
		a.onMaskingStarted(env)
	case MsgRecoveryRequest:
		a.onRecoveryRequest(env)
	case MsgAggregationResult:
		a.onResult(env)
	case MsgError:
		a.onError(env)
	default:
		a.log.Debug("ignoring message", "type", env.Type)
	}
}

// current returns the round env is addressed to. Must be called with mu held.
func (a *Agent) current(env *Envelope) *agentRound {
	if a.round == nil || a.round.id != env.RoundID {
		a.log.Debug("message for another round", "type", env.Type, "round", env.RoundID)
		return nil
	}
	return a.round
}

func (a *Agent) onAnnouncement(env *Envelope) {
	msg, err := DecodePayload[RoundAnnouncement](env)
	if err != nil {
		a.log.Warn("bad announcement", "err", err)
		return
	}
	select {
	case a.announcements <- msg:
	default:
		// Keep the newest announcements.
		select {
		case <-a.announcements:
		default:
		}
		select {
		case a.announcements <- msg:
		default:
		}
	}
}

func (a *Agent) onRoundStarted(env *Envelope) {
	msg, err := DecodePayload[RoundStarted](env)
	if err != nil {
		a.log.Warn("bad round start", "err", err)
		return
	}

	a.mu.Lock()
	r := a.current(env)
	if r == nil || (a.state != StateJoining && a.state != StateExchangingKeys) {
		a.mu.Unlock()
		return
	}
	bundle, err := a.exchangeKeys(r, msg)
	if err != nil {
		a.fail(err)
		a.mu.Unlock()
		_ = a.send(MsgLeaveRound, r.id, &LeaveRound{ParticipantID: a.id, RoundID: r.id})
		return
	}
	a.setState(StateMasking)
	a.mu.Unlock()

	if err := a.send(MsgShareBundle, r.id, bundle); err != nil {
		a.mu.Lock()
		if a.round == r {
			a.fail(err)
		}
		a.mu.Unlock()
	}
}

// exchangeKeys derives pairwise and channel secrets with every peer and seals
// one share of the masking key to each of them. Must be called with mu held.
func (a *Agent) exchangeKeys(r *agentRound, msg *RoundStarted) (*ShareBundle, error) {
	n := len(msg.Participants)
	if msg.VectorSize <= 0 || msg.Threshold < 2 || msg.Threshold > n {
		return nil, fmt.Errorf("%w: vector size %d, threshold %d of %d", ErrMalformedPayload, msg.VectorSize, msg.Threshold, n)
	}

	r.peers = make(map[ParticipantID]ParticipantInfo, n)
	indices := make(map[uint8]ParticipantID, n)
	found := false
	for _, p := range msg.Participants {
		if p.ShareIndex == 0 || int(p.ShareIndex) > n {
			return nil, fmt.Errorf("%w: share index %d for %s", ErrMalformedPayload, p.ShareIndex, p.ID)
		}
		if other, taken := indices[p.ShareIndex]; taken {
			return nil, fmt.Errorf("%w: share index %d assigned to %s and %s", ErrMalformedPayload, p.ShareIndex, other, p.ID)
		}
		indices[p.ShareIndex] = p.ID
		if _, dup := r.peers[p.ID]; dup || (found && p.ID == a.id) {
			return nil, fmt.Errorf("%w: %s listed twice", ErrMalformedPayload, p.ID)
		}
		if p.ID == a.id {
			if !p.KeyExchange.MaskingKey.Equal(r.maskingPub) || !p.KeyExchange.ChannelKey.Equal(r.channelPub) {
				return nil, fmt.Errorf("%w: coordinator relayed different keys for us", ErrMalformedPayload)
			}
			r.self = p
			found = true
			continue
		}
		r.peers[p.ID] = p
	}
	if !found {
		return nil, fmt.Errorf("%w: not in admitted participant list", ErrNotAdmitted)
	}
	r.vectorSize = msg.VectorSize
	r.threshold = msg.Threshold
	r.pairwise = make(map[ParticipantID]crypto.SharedKey, n-1)
	r.channels = make(map[ParticipantID]crypto.SharedKey, n-1)

	for id, p := range r.peers {
		secret, err := a.crypto.KeyExchange(r.maskingKey, p.KeyExchange.MaskingKey)
		if err != nil {
			return nil, fmt.Errorf("pairwise secret with %s: %w", id, err)
		}
		r.pairwise[id] = secret

		raw, err := a.crypto.KeyExchange(r.channelKey, p.KeyExchange.ChannelKey)
		if err != nil {
			return nil, fmt.Errorf("channel secret with %s: %w", id, err)
		}
		channel, err := a.crypto.DeriveKey(raw, []byte(r.id), ShareChannelInfo, crypto.KeySize)
		if err != nil {
			return nil, fmt.Errorf("channel key with %s: %w", id, err)
		}
		r.channels[id] = channel
	}

	secret := r.maskingKey.Bytes()
	shares, err := shamir.SplitWithReader(a.crypto.Reader(), secret, n, r.threshold)
	clear(secret)
	if err != nil {
		return nil, fmt.Errorf("split masking key: %w", err)
	}

	bundle := &ShareBundle{Owner: a.id, RoundID: r.id, Threshold: r.threshold}
	for id, p := range r.peers {
		share := shares[p.ShareIndex-1]
		sealed, err := a.crypto.Seal(r.channels[id], share.Payload, shareAD(r.id, a.id, id, p.ShareIndex))
		if err != nil {
			return nil, fmt.Errorf("seal share for %s: %w", id, err)
		}
		bundle.Shares = append(bundle.Shares, EncryptedShare{
			Owner:      a.id,
			Recipient:  id,
			Index:      p.ShareIndex,
			Ciphertext: sealed,
		})
	}
	for i := range shares {
		clear(shares[i].Payload)
	}
	slices.SortFunc(bundle.Shares, func(x, y EncryptedShare) int { return int(x.Index) - int(y.Index) })
	return bundle, nil
}

func (a *Agent) onMaskingStarted(env *Envelope) {
	msg, err := DecodePayload[MaskingStarted](env)
	if err != nil {
		a.log.Warn("bad masking start", "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.current(env)
	if r == nil || a.state != StateMasking {
		return
	}

	if !slices.Contains(msg.ActiveParticipants, a.id) {
		a.fail(fmt.Errorf("%w: not in active set", ErrParticipantDropped))
		return
	}
	for _, id := range msg.ActiveParticipants {
		if _, ok := r.peers[id]; !ok && id != a.id {
			a.fail(fmt.Errorf("%w: unknown active participant %s", ErrMalformedPayload, id))
			return
		}
	}

	r.active = slices.Clone(msg.ActiveParticipants)
	r.held = make(map[ParticipantID]EncryptedShare, len(msg.Shares))
	for _, s := range msg.Shares {
		if s.Recipient != a.id || s.Index != r.self.ShareIndex {
			a.log.Warn("dropping misaddressed share", "owner", s.Owner, "recipient", s.Recipient)
			continue
		}
		if _, ok := r.peers[s.Owner]; !ok {
			continue
		}
		r.held[s.Owner] = s
	}
	if missing := len(r.active) - 1 - len(r.held); missing > 0 {
		a.log.Warn("missing shares from active peers", "missing", missing)
	}
	a.setState(StateSubmitting)
}

func (a *Agent) onRecoveryRequest(env *Envelope) {
	msg, err := DecodePayload[RecoveryRequest](env)
	if err != nil {
		a.log.Warn("bad recovery request", "err", err)
		return
	}

	a.mu.Lock()
	r := a.current(env)
	if r == nil || a.state != StateSubmitted {
		a.mu.Unlock()
		return
	}

	var reveals []*SecretShare
	for _, owner := range msg.Dropped {
		if owner == a.id || !slices.Contains(r.active, owner) {
			a.log.Warn("refusing to reveal share", "owner", owner)
			continue
		}
		held, ok := r.held[owner]
		if !ok {
			continue
		}
		payload, err := a.crypto.Open(r.channels[owner], held.Ciphertext, shareAD(r.id, owner, a.id, held.Index))
		if err != nil {
			a.log.Warn("could not open share", "owner", owner, "err", err)
			continue
		}
		reveals = append(reveals, &SecretShare{
			OwnerParticipantID: owner,
			RoundID:            r.id,
			ShareIndex:         held.Index,
			SharePayload:       payload,
			Threshold:          r.threshold,
		})
	}
	a.mu.Unlock()

	for _, s := range reveals {
		if err := a.send(MsgSecretShare, r.id, s); err != nil {
			a.log.Warn("could not send share", "owner", s.OwnerParticipantID, "err", err)
		}
	}
	a.log.Info("revealed shares for recovery", "round", r.id, "count", len(reveals))
}

func (a *Agent) onResult(env *Envelope) {
	msg, err := DecodePayload[AggregationResult](env)
	if err != nil {
		a.log.Warn("bad result", "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.current(env)
	if r == nil || a.state == StateAborted || a.state == StateLeft {
		return
	}
	r.result = msg
	r.wipe()
	switch {
	case a.state == StateRecoveredFrom:
		a.notify()
	case slices.Contains(msg.RecoveredParticipantIDs, a.id):
		a.setState(StateRecoveredFrom)
	default:
		a.setState(StateDone)
	}
	a.log.Info("round result received", "round", r.id, "contributors", msg.ContributorCount)
}

func (a *Agent) onError(env *Envelope) {
	msg, err := DecodePayload[ErrorMessage](env)
	if err != nil {
		a.log.Warn("bad error message", "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.current(env)
	if r == nil {
		a.log.Warn("coordinator error", "code", msg.Code, "message", msg.Message)
		return
	}

	switch {
	case msg.Terminal:
		a.fail(msg.Err())
	case msg.Code == CodeParticipantDropped && !a.state.Terminal():
		r.err = msg.Err()
		r.wipe()
		a.setState(StateRecoveredFrom)
	default:
		a.log.Warn("coordinator rejected message", "round", r.id, "code", msg.Code, "message", msg.Message)
	}
}

func (a *Agent) handleDisconnect(cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return
	}
	a.connected = false
	a.fail(fmt.Errorf("%w: %v", ErrTransport, cause))

	rc, ok := a.transport.(Reconnector)
	if !ok {
		a.connErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		a.notify()
		return
	}
	if !a.reconnecting {
		a.reconnecting = true
		go a.reconnect(rc)
	}
}

func (a *Agent) reconnect(rc Reconnector) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReconnectTimeout)
	defer cancel()
	err := rc.Reconnect(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnecting = false
	defer a.notify()
	if err != nil {
		a.connErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		a.log.Error("giving up on coordinator connection", "err", err)
		return
	}
	a.connected = true
	a.log.Info("reconnected to coordinator")
}

// ensureConnected waits for a background reconnect and reports terminal failures.
func (a *Agent) ensureConnected(ctx context.Context) error {
	a.mu.Lock()
	for {
		switch {
		case a.connErr != nil:
			err := a.connErr
			a.mu.Unlock()
			return err
		case a.connected:
			a.mu.Unlock()
			return nil
		case !a.reconnecting:
			a.mu.Unlock()
			return ErrConnectionLost
		}
		changed := a.changed
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return errors.Join(ErrConnectionLost, ctx.Err())
		case <-changed:
		}
		a.mu.Lock()
	}
}
