package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/flashbots/secagg/crypto"
)

// ParticipantID identifies a participant. Ordering is byte-wise and decides mask signs.
type ParticipantID string

// RoundID identifies a round.
type RoundID string

// MessageType tags the payload carried by an Envelope.
type MessageType string

const (
	MsgHello             MessageType = "hello"
	MsgRoundAnnouncement MessageType = "round_announcement"
	MsgJoinRound         MessageType = "join_round"
	MsgRoundStarted      MessageType = "round_started"
	MsgShareBundle       MessageType = "share_bundle"
	MsgMaskingStarted    MessageType = "masking_started"
	MsgSubmitVector      MessageType = "submit_vector"
	MsgRecoveryRequest   MessageType = "recovery_request"
	MsgSecretShare       MessageType = "secret_share"
	MsgAggregationResult MessageType = "aggregation_result"
	MsgLeaveRound        MessageType = "leave_round"
	MsgError             MessageType = "error"
)

// Envelope is the unit exchanged over a MessageTransport.
type Envelope struct {
	Type    MessageType     `json:"type"`
	RoundID RoundID         `json:"round_id,omitempty"`
	Sender  ParticipantID   `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope serializes payload under the given type.
func NewEnvelope[T any](typ MessageType, round RoundID, sender ParticipantID, payload *T) (*Envelope, error) {
	raw, err := SerializeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return &Envelope{Type: typ, RoundID: round, Sender: sender, Payload: raw}, nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	return &c
}

// DecodePayload decodes the envelope payload into T, rejecting unknown fields.
func DecodePayload[T any](e *Envelope) (*T, error) {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Type, err)
	}
	return &v, nil
}

// KeyExchange carries a participant's ephemeral public keys for one round.
type KeyExchange struct {
	// MaskingKey seeds pairwise masks. Its private half is secret-shared.
	MaskingKey crypto.KemPublicKey `json:"masking_key"`
	// ChannelKey encrypts shares between peers.
	ChannelKey crypto.KemPublicKey `json:"channel_key"`
}

// ParticipantInfo describes an admitted participant.
type ParticipantInfo struct {
	ID          ParticipantID `json:"id"`
	KeyExchange KeyExchange   `json:"key_exchange"`
	ShareIndex  uint8         `json:"share_index"`
}

// Hello identifies a participant to a connection-oriented transport.
type Hello struct {
	ParticipantID ParticipantID `json:"participant_id"`
}

// RoundAnnouncement is broadcast when a round opens.
type RoundAnnouncement struct {
	RoundID          RoundID   `json:"round_id"`
	VectorSize       int       `json:"vector_size"`
	MinParticipants  int       `json:"min_participants"`
	MaxParticipants  int       `json:"max_participants"`
	DropoutTolerance int       `json:"dropout_tolerance"`
	JoinDeadline     time.Time `json:"join_deadline"`
}

// JoinRound requests admission to a round.
type JoinRound struct {
	ParticipantID ParticipantID `json:"participant_id"`
	RoundID       RoundID       `json:"round_id"`
	KeyExchange   KeyExchange   `json:"key_exchange"`
}

// Deadlines reports the absolute phase deadlines known at the time of sending.
type Deadlines struct {
	KeyExchange time.Time `json:"key_exchange"`
}

// RoundStarted fixes the admitted participant set and the sharing parameters.
type RoundStarted struct {
	RoundID          RoundID           `json:"round_id"`
	Participants     []ParticipantInfo `json:"participants"`
	VectorSize       int               `json:"vector_size"`
	Threshold        int               `json:"threshold"`
	DropoutTolerance int               `json:"dropout_tolerance"`
	Deadlines        Deadlines         `json:"deadlines"`
}

// EncryptedShare is one share of an owner's masking key sealed for a recipient.
type EncryptedShare struct {
	Owner      ParticipantID `json:"owner"`
	Recipient  ParticipantID `json:"recipient"`
	Index      uint8         `json:"index"`
	Ciphertext []byte        `json:"ciphertext"`
}

// ShareBundle carries all shares an owner distributes to its peers.
type ShareBundle struct {
	Owner     ParticipantID    `json:"owner"`
	RoundID   RoundID          `json:"round_id"`
	Threshold int              `json:"threshold"`
	Shares    []EncryptedShare `json:"shares"`
}

// MaskingStarted relays shares to their recipient and fixes the set of
// participants every submitter must mask against.
type MaskingStarted struct {
	RoundID            RoundID          `json:"round_id"`
	ActiveParticipants []ParticipantID  `json:"active_participants"`
	Shares             []EncryptedShare `json:"shares"`
	SubmissionDeadline time.Time        `json:"submission_deadline"`
}

// SubmitVector carries a masked vector.
type SubmitVector struct {
	ParticipantID ParticipantID `json:"participant_id"`
	RoundID       RoundID       `json:"round_id"`
	MaskedVector  []uint64      `json:"masked_vector"`
}

// RecoveryRequest asks survivors to reveal their shares of dropped participants.
type RecoveryRequest struct {
	RoundID  RoundID         `json:"round_id"`
	Dropped  []ParticipantID `json:"dropped"`
	Deadline time.Time       `json:"deadline"`
}

// SecretShare is a revealed share of an owner's masking key.
type SecretShare struct {
	OwnerParticipantID ParticipantID `json:"owner_participant_id"`
	RoundID            RoundID       `json:"round_id"`
	ShareIndex         uint8         `json:"share_index"`
	SharePayload       []byte        `json:"share_payload"`
	Threshold          int           `json:"threshold"`
}

// AggregationResult is the published outcome of a completed round.
type AggregationResult struct {
	RoundID                 RoundID         `json:"round_id"`
	AggregatedVector        []int64         `json:"aggregated_vector"`
	ContributorCount        int             `json:"contributor_count"`
	RecoveredParticipantIDs []ParticipantID `json:"recovered_participant_ids"`
}

// Clone returns a deep copy so published results stay immutable.
func (r *AggregationResult) Clone() *AggregationResult {
	if r == nil {
		return nil
	}
	c := *r
	c.AggregatedVector = slices.Clone(r.AggregatedVector)
	c.RecoveredParticipantIDs = slices.Clone(r.RecoveredParticipantIDs)
	return &c
}

// LeaveRound announces that a participant abandons a round.
type LeaveRound struct {
	ParticipantID ParticipantID `json:"participant_id"`
	RoundID       RoundID       `json:"round_id"`
}

// ErrorMessage reports an error to the other side. Terminal errors end the
// receiver's participation in the round.
type ErrorMessage struct {
	RoundID  RoundID   `json:"round_id,omitempty"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Terminal bool      `json:"terminal"`
}

// Err converts the wire error back into an error matching the code's sentinel.
func (m *ErrorMessage) Err() error {
	return NewError(m.Code, "remote", fmt.Errorf("%w: %s", m.Code.Sentinel(), m.Message))
}

// UnmarshalMessage decodes a JSON message.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage decodes a JSON message from a reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage encodes a message as JSON.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
