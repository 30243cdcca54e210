package protocol

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/masking"
	"github.com/flashbots/secagg/shamir"
)

// ShareChannelInfo labels the key that seals shares between two peers.
var ShareChannelInfo = []byte("secagg/v1/share-channel")

// shareAD binds a sealed share to its round, owner, recipient and index.
func shareAD(round RoundID, owner, recipient ParticipantID, index uint8) []byte {
	var b bytes.Buffer
	for _, s := range []string{string(round), string(owner), string(recipient)} {
		fmt.Fprintf(&b, "%d:%s|", len(s), s)
	}
	b.WriteByte(index)
	return b.Bytes()
}

// outbox delivers messages on behalf of a round.
type outbox interface {
	send(to ParticipantID, env *Envelope)
}

// round is the coordinator-side state of one aggregation round. It is owned
// by a single goroutine (see roundActor) and is never accessed concurrently.
type round struct {
	id       RoundID
	cfg      RoundConfig
	phase    Phase
	log      *slog.Logger
	out      outbox
	crypto   CryptoProvider
	observer Observer
	now      func() time.Time

	openedAt   time.Time
	closedAt   time.Time
	deadline   time.Time
	quorumSeen bool

	joined       []ParticipantID
	keys         map[ParticipantID]KeyExchange
	participants []ParticipantInfo
	index        map[ParticipantID]uint8
	threshold    int
	connected    map[ParticipantID]bool
	dropped      map[ParticipantID]Phase

	bundles     map[ParticipantID][]EncryptedShare
	active      []ParticipantID
	activeSet   map[ParticipantID]bool
	submissions map[ParticipantID]masking.Vector

	pending        []ParticipantID
	responders     map[ParticipantID]bool
	recoveryShares map[ParticipantID]map[ParticipantID]shamir.Share
	recoveryStart  time.Time
	recovered      []ParticipantID

	result  *AggregationResult
	failure error
}

func newRound(cfg RoundConfig, out outbox, provider CryptoProvider, observer Observer, log *slog.Logger) *round {
	r := &round{
		id:             cfg.ID,
		cfg:            cfg,
		log:            log.With("round", cfg.ID),
		out:            out,
		crypto:         provider,
		observer:       observer,
		now:            time.Now,
		keys:           make(map[ParticipantID]KeyExchange),
		index:          make(map[ParticipantID]uint8),
		connected:      make(map[ParticipantID]bool),
		dropped:        make(map[ParticipantID]Phase),
		bundles:        make(map[ParticipantID][]EncryptedShare),
		activeSet:      make(map[ParticipantID]bool),
		submissions:    make(map[ParticipantID]masking.Vector),
		responders:     make(map[ParticipantID]bool),
		recoveryShares: make(map[ParticipantID]map[ParticipantID]shamir.Share),
	}
	r.openedAt = r.now()
	r.enterPhase(PhaseSetup)
	return r
}

func (r *round) enterPhase(p Phase) {
	from := r.phase
	r.phase = p
	if !p.Terminal() {
		r.deadline = r.now().Add(r.cfg.timeoutFor(p))
	} else {
		r.deadline = time.Time{}
		r.closedAt = r.now()
	}
	r.log.Debug("phase transition", "from", from, "phase", p, "deadline", r.deadline)
}

func (r *round) sendTo(to ParticipantID, typ MessageType, payload any) {
	raw, err := SerializeMessage(&payload)
	if err != nil {
		r.log.Error("could not encode message", "type", typ, "err", err)
		return
	}
	r.out.send(to, &Envelope{Type: typ, RoundID: r.id, Payload: raw})
}

func (r *round) sendError(to ParticipantID, err error, terminal bool) {
	r.sendTo(to, MsgError, &ErrorMessage{
		RoundID:  r.id,
		Code:     CodeOf(err),
		Message:  err.Error(),
		Terminal: terminal,
	})
}

// members returns the participants currently attached to the round.
func (r *round) members() []ParticipantID {
	if r.participants == nil {
		return slices.Clone(r.joined)
	}
	ids := make([]ParticipantID, 0, len(r.participants))
	for _, p := range r.participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (r *round) admitted(id ParticipantID) bool {
	_, ok := r.index[id]
	return ok
}

func (r *round) activeCount() int {
	return len(r.participants) - len(r.dropped)
}

// quorumHolds is the continuation rule after SETUP.
func (r *round) quorumHolds() bool {
	need := max(r.threshold, r.cfg.MinParticipants-r.cfg.DropoutTolerance)
	return len(r.dropped) <= r.cfg.DropoutTolerance && r.activeCount() >= need
}

func (r *round) startKeyExchange() {
	ids := slices.Clone(r.joined)
	slices.Sort(ids)

	r.participants = make([]ParticipantInfo, len(ids))
	for i, id := range ids {
		r.participants[i] = ParticipantInfo{ID: id, KeyExchange: r.keys[id], ShareIndex: uint8(i + 1)}
		r.index[id] = uint8(i + 1)
	}
	r.threshold = r.cfg.thresholdFor(len(ids))
	r.enterPhase(PhaseKeyExchange)

	r.log.Info("key exchange started", "participants", len(ids), "threshold", r.threshold)

	msg := &RoundStarted{
		RoundID:          r.id,
		Participants:     r.participants,
		VectorSize:       r.cfg.VectorSize,
		Threshold:        r.threshold,
		DropoutTolerance: r.cfg.DropoutTolerance,
		Deadlines:        Deadlines{KeyExchange: r.deadline},
	}
	for _, id := range ids {
		r.sendTo(id, MsgRoundStarted, msg)
	}
}

func (r *round) maybeStartMasking() {
	for _, p := range r.participants {
		if _, gone := r.dropped[p.ID]; gone {
			continue
		}
		if _, ok := r.bundles[p.ID]; !ok {
			return
		}
	}
	r.startMasking()
}

func (r *round) startMasking() {
	r.active = r.active[:0]
	for _, p := range r.participants {
		if _, gone := r.dropped[p.ID]; !gone {
			r.active = append(r.active, p.ID)
			r.activeSet[p.ID] = true
		}
	}
	r.enterPhase(PhaseMasking)

	inbox := make(map[ParticipantID][]EncryptedShare, len(r.active))
	for _, owner := range r.active {
		for _, s := range r.bundles[owner] {
			if r.activeSet[s.Recipient] {
				inbox[s.Recipient] = append(inbox[s.Recipient], s)
			}
		}
	}

	r.log.Info("masking started", "active", len(r.active))
	for _, id := range r.active {
		r.sendTo(id, MsgMaskingStarted, &MaskingStarted{
			RoundID:            r.id,
			ActiveParticipants: r.active,
			Shares:             inbox[id],
			SubmissionDeadline: r.deadline,
		})
	}
}

// pendingSubmitters lists active participants that neither submitted nor dropped.
func (r *round) pendingSubmitters() []ParticipantID {
	var out []ParticipantID
	for _, id := range r.active {
		if _, gone := r.dropped[id]; gone {
			continue
		}
		if _, ok := r.submissions[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *round) maybeFinishSubmission() {
	if len(r.pendingSubmitters()) > 0 {
		return
	}
	r.finishSubmission()
}

func (r *round) finishSubmission() {
	r.pending = r.pending[:0]
	for _, id := range r.active {
		if _, gone := r.dropped[id]; gone {
			r.pending = append(r.pending, id)
		}
	}
	if len(r.pending) == 0 {
		r.aggregate(nil)
		return
	}
	r.startRecovery()
}

func (r *round) startRecovery() {
	r.enterPhase(PhaseRecovery)
	r.recoveryStart = r.now()

	for id := range r.submissions {
		if r.connected[id] {
			r.responders[id] = true
		}
	}
	r.log.Info("recovery started", "dropped", r.pending, "responders", len(r.responders))

	if len(r.responders) < r.threshold {
		r.abort(fmt.Errorf("%w: %d responders for threshold %d", ErrRecoveryFailed, len(r.responders), r.threshold))
		return
	}

	msg := &RecoveryRequest{RoundID: r.id, Dropped: r.pending, Deadline: r.deadline}
	for id := range r.responders {
		r.sendTo(id, MsgRecoveryRequest, msg)
	}
}

// recoveryStillPossible reports whether every pending owner can still reach the threshold.
func (r *round) recoveryStillPossible() bool {
	for _, owner := range r.pending {
		have := r.recoveryShares[owner]
		reachable := len(have)
		for id, ok := range r.responders {
			if _, sent := have[id]; ok && !sent {
				reachable++
			}
		}
		if reachable < r.threshold {
			return false
		}
	}
	return true
}

func (r *round) maybeFinishRecovery() {
	for _, owner := range r.pending {
		if len(r.recoveryShares[owner]) < r.threshold {
			return
		}
	}
	corrections, err := r.recoverMasks()
	if err != nil {
		r.abort(err)
		return
	}
	r.recovered = slices.Clone(r.pending)
	r.observer.RecoveryFinished(r.now().Sub(r.recoveryStart))
	r.aggregate(corrections)
}

// recoverMasks reconstructs every pending masking key and returns the sum of
// the masks the dropped participants would have applied against each submitter.
// Adding it to the sum of submissions cancels the submitters' masks with them.
func (r *round) recoverMasks() (masking.Vector, error) {
	corrections := masking.NewVector(r.cfg.VectorSize)

	for _, owner := range r.pending {
		shares := make([]shamir.Share, 0, len(r.recoveryShares[owner]))
		for _, s := range r.recoveryShares[owner] {
			shares = append(shares, s)
		}
		slices.SortFunc(shares, func(a, b shamir.Share) int { return int(a.Index) - int(b.Index) })

		raw, err := shamir.Reconstruct(shares)
		if err != nil {
			return nil, fmt.Errorf("%w: reconstruct %s: %v", ErrRecoveryFailed, owner, err)
		}
		priv, err := crypto.NewKemPrivateKeyFromBytes(raw)
		clear(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRecoveryFailed, owner, err)
		}

		pub, err := priv.PublicKey()
		if err != nil || !pub.Equal(r.keys[owner].MaskingKey) {
			priv.Zero()
			return nil, fmt.Errorf("%w: reconstructed key for %s does not match its public key", ErrRecoveryFailed, owner)
		}

		masks := make([]masking.PeerMask, 0, len(r.submissions))
		for survivor := range r.submissions {
			secret, err := r.crypto.KeyExchange(priv, r.keys[survivor].MaskingKey)
			if err != nil {
				priv.Zero()
				return nil, fmt.Errorf("%w: key exchange %s/%s: %v", ErrRecoveryFailed, owner, survivor, err)
			}
			pm, err := masking.NewPeerMask(string(owner), string(survivor), secret, string(r.id), r.cfg.VectorSize)
			if err != nil {
				priv.Zero()
				return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
			}
			masks = append(masks, pm)
		}
		priv.Zero()

		corrections, err = masking.CombineMasks(corrections, masks)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}
	}
	return corrections, nil
}

func (r *round) aggregate(corrections masking.Vector) {
	r.enterPhase(PhaseAggregation)

	sum := masking.NewVector(r.cfg.VectorSize)
	for _, v := range r.submissions {
		sum.AddInplace(v)
	}
	if corrections != nil {
		sum.AddInplace(corrections)
	}

	recovered := slices.Clone(r.recovered)
	if recovered == nil {
		recovered = []ParticipantID{}
	}
	r.result = &AggregationResult{
		RoundID:                 r.id,
		AggregatedVector:        sum.Int64s(),
		ContributorCount:        len(r.submissions),
		RecoveredParticipantIDs: recovered,
	}
	r.complete()
}

func (r *round) complete() {
	r.enterPhase(PhaseComplete)
	r.discardSecrets()
	r.observer.RoundCompleted(r.result.ContributorCount)

	r.log.Info("round complete", "contributors", r.result.ContributorCount, "recovered", r.result.RecoveredParticipantIDs)
	for _, id := range r.members() {
		if r.connected[id] {
			r.sendTo(id, MsgAggregationResult, r.result)
		}
	}
}

// abort ends the round and notifies every connected participant exactly once.
func (r *round) abort(err error) {
	if r.phase.Terminal() {
		return
	}
	r.failure = err
	r.enterPhase(PhaseAborted)
	r.discardSecrets()

	code := CodeOf(err)
	r.observer.RoundAborted(string(code))
	r.log.Warn("round aborted", "code", code, "err", err)

	for _, id := range r.members() {
		if r.connected[id] {
			r.sendError(id, err, true)
		}
	}
}

func (r *round) discardSecrets() {
	r.bundles = nil
	r.recoveryShares = nil
}

func (r *round) markDropped(id ParticipantID) {
	if _, ok := r.dropped[id]; ok {
		return
	}
	r.dropped[id] = r.phase
	r.observer.ParticipantDropped()
	r.log.Info("participant dropped", "participant", id, "phase", r.phase)
}

// summary builds an immutable snapshot of the round.
func (r *round) summary() *RoundSummary {
	s := &RoundSummary{
		ID:           r.id,
		Phase:        r.phase,
		Config:       r.cfg,
		Participants: r.members(),
		Threshold:    r.threshold,
		Deadline:     r.deadline,
		OpenedAt:     r.openedAt,
		ClosedAt:     r.closedAt,
		Result:       r.result.Clone(),
	}
	for id := range r.submissions {
		s.Submitted = append(s.Submitted, id)
	}
	for id := range r.dropped {
		s.Dropped = append(s.Dropped, id)
	}
	slices.Sort(s.Submitted)
	slices.Sort(s.Dropped)
	if r.failure != nil {
		s.Error = r.failure.Error()
		s.ErrorCode = CodeOf(r.failure)
	}
	return s
}

// RoundSummary is a point-in-time view of a round.
type RoundSummary struct {
	ID           RoundID            `json:"id"`
	Phase        Phase              `json:"phase"`
	Config       RoundConfig        `json:"config"`
	Participants []ParticipantID    `json:"participants"`
	Submitted    []ParticipantID    `json:"submitted"`
	Dropped      []ParticipantID    `json:"dropped"`
	Threshold    int                `json:"threshold"`
	Deadline     time.Time          `json:"deadline,omitzero"`
	OpenedAt     time.Time          `json:"opened_at"`
	ClosedAt     time.Time          `json:"closed_at,omitzero"`
	ErrorCode    ErrorCode          `json:"error_code,omitempty"`
	Error        string             `json:"error,omitempty"`
	Result       *AggregationResult `json:"result,omitempty"`
}
