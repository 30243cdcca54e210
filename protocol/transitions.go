package protocol

import (
	"fmt"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/masking"
	"github.com/flashbots/secagg/shamir"
)

type eventKind int

const (
	evJoin eventKind = iota
	evShareBundle
	evSubmit
	evSecretShare
	evLeave
	evDisconnect
	evDeadline
	evAbort
)

var eventNames = [...]string{
	evJoin:        "join",
	evShareBundle: "share_bundle",
	evSubmit:      "submit",
	evSecretShare: "secret_share",
	evLeave:       "leave",
	evDisconnect:  "disconnect",
	evDeadline:    "deadline",
	evAbort:       "abort",
}

func (k eventKind) String() string { return eventNames[k] }

// roundEvent is the single input type of the round state machine.
type roundEvent struct {
	kind     eventKind
	from     ParticipantID
	env      *Envelope
	deadline time.Time
	err      error
}

type transition struct {
	phase Phase
	kind  eventKind
}

// handler applies an event. A returned error is reported to the sender and
// leaves the round unchanged.
type handler func(r *round, ev roundEvent) error

var transitions map[transition]handler

func init() {
	transitions = map[transition]handler{
		{PhaseSetup, evJoin}:       (*round).onJoin,
		{PhaseSetup, evLeave}:      (*round).onSetupDeparture,
		{PhaseSetup, evDisconnect}: (*round).onSetupDeparture,
		{PhaseSetup, evDeadline}:   (*round).onSetupDeadline,

		{PhaseKeyExchange, evJoin}:        (*round).rejectJoin,
		{PhaseKeyExchange, evShareBundle}: (*round).onShareBundle,
		{PhaseKeyExchange, evLeave}:       (*round).onDropout,
		{PhaseKeyExchange, evDisconnect}:  (*round).onDropout,
		{PhaseKeyExchange, evDeadline}:    (*round).onDeadlineAbort,

		{PhaseMasking, evJoin}:       (*round).rejectJoin,
		{PhaseMasking, evSubmit}:     (*round).onSubmit,
		{PhaseMasking, evLeave}:      (*round).onDropout,
		{PhaseMasking, evDisconnect}: (*round).onDropout,
		{PhaseMasking, evDeadline}:   (*round).onDeadlineAbort,

		{PhaseSubmission, evJoin}:       (*round).rejectJoin,
		{PhaseSubmission, evSubmit}:     (*round).onSubmit,
		{PhaseSubmission, evLeave}:      (*round).onDropout,
		{PhaseSubmission, evDisconnect}: (*round).onDropout,
		{PhaseSubmission, evDeadline}:   (*round).onSubmissionDeadline,

		{PhaseRecovery, evJoin}:        (*round).rejectJoin,
		{PhaseRecovery, evSubmit}:      (*round).rejectLateSubmit,
		{PhaseRecovery, evSecretShare}: (*round).onSecretShare,
		{PhaseRecovery, evLeave}:       (*round).onRecoveryDeparture,
		{PhaseRecovery, evDisconnect}:  (*round).onRecoveryDeparture,
		{PhaseRecovery, evDeadline}:    (*round).onRecoveryDeadline,
	}

	for _, p := range []Phase{PhaseSetup, PhaseKeyExchange, PhaseMasking, PhaseSubmission, PhaseRecovery, PhaseAggregation} {
		transitions[transition{p, evAbort}] = (*round).onAbort
	}
}

// dispatch routes one event through the transition table.
func (r *round) dispatch(ev roundEvent) {
	if r.phase.Terminal() {
		return
	}
	if ev.kind == evDeadline && !ev.deadline.Equal(r.deadline) {
		return
	}

	h, ok := transitions[transition{r.phase, ev.kind}]
	if !ok {
		if ev.env != nil && ev.from != "" {
			r.sendError(ev.from, NewError(CodeUnexpectedMessage, ev.kind.String(),
				fmt.Errorf("%w: %s during %s", ErrUnexpectedMessage, ev.env.Type, r.phase)), false)
		}
		return
	}

	if err := h(r, ev); err != nil {
		r.log.Debug("rejected event", "event", ev.kind, "participant", ev.from, "err", err)
		if ev.from != "" && ev.kind != evDisconnect {
			r.sendError(ev.from, err, false)
		}
	}
}

func decodeFrom[T any](ev roundEvent, sender func(*T) ParticipantID, round func(*T) RoundID, want RoundID) (*T, error) {
	msg, err := DecodePayload[T](ev.env)
	if err != nil {
		return nil, err
	}
	if sender(msg) != ev.from {
		return nil, fmt.Errorf("%w: sender %q does not match connection %q", ErrMalformedPayload, sender(msg), ev.from)
	}
	if round(msg) != want {
		return nil, fmt.Errorf("%w: round %q in payload, envelope addressed to %q", ErrMalformedPayload, round(msg), want)
	}
	return msg, nil
}

func (r *round) onJoin(ev roundEvent) error {
	msg, err := decodeFrom(ev,
		func(m *JoinRound) ParticipantID { return m.ParticipantID },
		func(m *JoinRound) RoundID { return m.RoundID }, r.id)
	if err != nil {
		return err
	}
	if msg.KeyExchange.MaskingKey.IsZero() || msg.KeyExchange.ChannelKey.IsZero() {
		return fmt.Errorf("%w: missing key exchange contribution", ErrMalformedPayload)
	}
	if _, ok := r.keys[ev.from]; ok {
		return fmt.Errorf("%w: %s already joined", ErrJoinRejected, ev.from)
	}
	if len(r.joined) >= r.cfg.MaxParticipants {
		r.sendError(ev.from, fmt.Errorf("%w: %d participants", ErrRoundFull, r.cfg.MaxParticipants), true)
		return nil
	}

	r.joined = append(r.joined, ev.from)
	r.keys[ev.from] = msg.KeyExchange
	r.connected[ev.from] = true
	r.log.Debug("participant joined", "participant", ev.from, "joined", len(r.joined))

	switch {
	case len(r.joined) < r.cfg.MinParticipants:
	case r.cfg.JoinWindow == 0 || len(r.joined) >= r.cfg.MaxParticipants:
		r.startKeyExchange()
	case !r.quorumSeen:
		r.quorumSeen = true
		if windowEnd := r.now().Add(r.cfg.JoinWindow); windowEnd.Before(r.deadline) {
			r.deadline = windowEnd
		}
	}
	return nil
}

func (r *round) rejectJoin(ev roundEvent) error {
	if r.admitted(ev.from) {
		return fmt.Errorf("%w: %s already admitted", ErrJoinRejected, ev.from)
	}
	r.sendError(ev.from, fmt.Errorf("%w: round is in %s", ErrJoinRejected, r.phase), true)
	return nil
}

func (r *round) onSetupDeparture(ev roundEvent) error {
	if _, ok := r.keys[ev.from]; !ok {
		return nil
	}
	delete(r.keys, ev.from)
	delete(r.connected, ev.from)
	for i, id := range r.joined {
		if id == ev.from {
			r.joined = append(r.joined[:i], r.joined[i+1:]...)
			break
		}
	}
	r.log.Debug("participant left during setup", "participant", ev.from)
	return nil
}

func (r *round) onSetupDeadline(roundEvent) error {
	if len(r.joined) >= r.cfg.MinParticipants {
		r.startKeyExchange()
		return nil
	}
	r.abort(fmt.Errorf("%w: %d of %d participants joined", ErrQuorumNotMet, len(r.joined), r.cfg.MinParticipants))
	return nil
}

func (r *round) onShareBundle(ev roundEvent) error {
	msg, err := decodeFrom(ev,
		func(m *ShareBundle) ParticipantID { return m.Owner },
		func(m *ShareBundle) RoundID { return m.RoundID }, r.id)
	if err != nil {
		return err
	}
	if !r.admitted(ev.from) {
		return ErrNotAdmitted
	}
	if _, gone := r.dropped[ev.from]; gone {
		return ErrParticipantDropped
	}
	if _, ok := r.bundles[ev.from]; ok {
		return fmt.Errorf("%w: share bundle already received", ErrDuplicateSubmission)
	}
	if msg.Threshold != r.threshold {
		return fmt.Errorf("%w: threshold %d, round uses %d", ErrMalformedPayload, msg.Threshold, r.threshold)
	}
	if len(msg.Shares) != len(r.participants)-1 {
		return fmt.Errorf("%w: %d shares for %d peers", ErrMalformedPayload, len(msg.Shares), len(r.participants)-1)
	}
	seen := make(map[ParticipantID]bool, len(msg.Shares))
	for _, s := range msg.Shares {
		idx, ok := r.index[s.Recipient]
		switch {
		case s.Owner != ev.from:
			return fmt.Errorf("%w: share owned by %q", ErrMalformedPayload, s.Owner)
		case !ok || s.Recipient == ev.from || seen[s.Recipient]:
			return fmt.Errorf("%w: bad recipient %q", ErrMalformedPayload, s.Recipient)
		case s.Index != idx:
			return fmt.Errorf("%w: index %d for %q, expected %d", ErrMalformedPayload, s.Index, s.Recipient, idx)
		case len(s.Ciphertext) == 0:
			return fmt.Errorf("%w: empty share for %q", ErrMalformedPayload, s.Recipient)
		}
		seen[s.Recipient] = true
	}

	r.bundles[ev.from] = msg.Shares
	r.maybeStartMasking()
	return nil
}

func (r *round) onSubmit(ev roundEvent) error {
	msg, err := decodeFrom(ev,
		func(m *SubmitVector) ParticipantID { return m.ParticipantID },
		func(m *SubmitVector) RoundID { return m.RoundID }, r.id)
	if err != nil {
		return err
	}
	if _, gone := r.dropped[ev.from]; gone {
		return ErrParticipantDropped
	}
	if !r.activeSet[ev.from] {
		return ErrNotAdmitted
	}
	if _, ok := r.submissions[ev.from]; ok {
		return ErrDuplicateSubmission
	}
	if len(msg.MaskedVector) != r.cfg.VectorSize {
		return NewError(CodeMalformedPayload, "submit",
			fmt.Errorf("%w: got %d elements, want %d", ErrVectorLength, len(msg.MaskedVector), r.cfg.VectorSize))
	}

	r.submissions[ev.from] = masking.Vector(msg.MaskedVector)
	r.observer.VectorSubmitted()
	if r.phase == PhaseMasking {
		// Masking and submission share one deadline.
		r.phase = PhaseSubmission
	}
	r.maybeFinishSubmission()
	return nil
}

func (r *round) rejectLateSubmit(ev roundEvent) error {
	if _, gone := r.dropped[ev.from]; gone {
		return ErrParticipantDropped
	}
	if _, ok := r.submissions[ev.from]; ok {
		return ErrDuplicateSubmission
	}
	return ErrNotAdmitted
}

// onDropout handles leave and disconnect between key exchange and the end of submission.
func (r *round) onDropout(ev roundEvent) error {
	if !r.admitted(ev.from) {
		return nil
	}
	r.connected[ev.from] = false
	if _, ok := r.submissions[ev.from]; ok {
		// The vector already counts; the participant only stops being a recovery responder.
		return nil
	}
	if _, gone := r.dropped[ev.from]; gone {
		return nil
	}

	r.markDropped(ev.from)
	if !r.quorumHolds() {
		r.abort(fmt.Errorf("%w: %d dropped, tolerance %d, %d active",
			ErrDropoutExceeded, len(r.dropped), r.cfg.DropoutTolerance, r.activeCount()))
		return nil
	}

	switch r.phase {
	case PhaseKeyExchange:
		r.maybeStartMasking()
	case PhaseMasking, PhaseSubmission:
		if len(r.submissions) > 0 {
			r.maybeFinishSubmission()
		}
	}
	return nil
}

func (r *round) onDeadlineAbort(roundEvent) error {
	r.abort(fmt.Errorf("%w: %s", ErrRoundTimeout, r.phase))
	return nil
}

func (r *round) onSubmissionDeadline(roundEvent) error {
	for _, id := range r.pendingSubmitters() {
		r.markDropped(id)
		if r.connected[id] {
			r.sendError(id, fmt.Errorf("%w: no submission before deadline", ErrParticipantDropped), false)
		}
	}
	if !r.quorumHolds() {
		r.abort(fmt.Errorf("%w: %d dropped at submission deadline, tolerance %d",
			ErrDropoutExceeded, len(r.dropped), r.cfg.DropoutTolerance))
		return nil
	}
	r.finishSubmission()
	return nil
}

func (r *round) onSecretShare(ev roundEvent) error {
	msg, err := DecodePayload[SecretShare](ev.env)
	if err != nil {
		return err
	}
	if msg.RoundID != r.id {
		return fmt.Errorf("%w: round %q", ErrMalformedPayload, msg.RoundID)
	}
	if !r.responders[ev.from] {
		return ErrNotAdmitted
	}

	owner := msg.OwnerParticipantID
	isPending := false
	for _, id := range r.pending {
		if id == owner {
			isPending = true
			break
		}
	}
	switch {
	case !isPending:
		return fmt.Errorf("%w: %q is not being recovered", ErrMalformedPayload, owner)
	case msg.ShareIndex != r.index[ev.from]:
		return fmt.Errorf("%w: share index %d, sender holds %d", ErrMalformedPayload, msg.ShareIndex, r.index[ev.from])
	case msg.Threshold != r.threshold:
		return fmt.Errorf("%w: threshold %d", ErrMalformedPayload, msg.Threshold)
	case len(msg.SharePayload) != crypto.KeySize:
		return fmt.Errorf("%w: share payload %d bytes", ErrMalformedPayload, len(msg.SharePayload))
	}

	shares := r.recoveryShares[owner]
	if shares == nil {
		shares = make(map[ParticipantID]shamir.Share)
		r.recoveryShares[owner] = shares
	}
	if _, ok := shares[ev.from]; ok {
		return ErrDuplicateSubmission
	}
	shares[ev.from] = shamir.Share{
		Index:     msg.ShareIndex,
		Threshold: uint8(msg.Threshold),
		Payload:   msg.SharePayload,
	}

	r.maybeFinishRecovery()
	return nil
}

func (r *round) onRecoveryDeparture(ev roundEvent) error {
	if !r.admitted(ev.from) {
		return nil
	}
	r.connected[ev.from] = false
	if !r.responders[ev.from] {
		return nil
	}
	r.responders[ev.from] = false
	if !r.recoveryStillPossible() {
		r.abort(fmt.Errorf("%w: too few responders left after %s departed", ErrRecoveryFailed, ev.from))
	}
	return nil
}

func (r *round) onRecoveryDeadline(roundEvent) error {
	r.abort(fmt.Errorf("%w: deadline expired with incomplete shares", ErrRecoveryFailed))
	return nil
}

func (r *round) onAbort(ev roundEvent) error {
	err := ev.err
	if err == nil {
		err = ErrRoundAborted
	}
	r.abort(err)
	return nil
}
