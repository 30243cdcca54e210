// Package protocol implements dropout-tolerant secure aggregation: a
// coordinator learns the element-wise sum of private integer vectors held by
// a set of participants, and nothing about any individual vector.
//
// # Architecture and Workflow
//
// A round involves two kinds of parties:
//
//  1. Participants (Agent): hold a private vector, add pairwise masks that
//     cancel across the set of submitters, and secret-share the key their
//     masks are derived from so the round survives their dropping out.
//
//  2. Coordinator: admits participants, relays public keys and sealed shares,
//     collects masked vectors, recovers the masks of participants that
//     dropped and publishes the sum. It never sees an unmasked vector.
//
// Every round walks the same phases:
//
//	SETUP -> KEY_EXCHANGE -> MASKING -> SUBMISSION -> [RECOVERY] -> AGGREGATION -> COMPLETE
//
// with ABORTED reachable from any non-terminal phase.
//
// ## SETUP
//
// Participants send JoinRound with two ephemeral X25519 public keys. The
// masking key seeds pairwise masks; the channel key only encrypts shares. The
// round moves on when MaxParticipants have joined, when the join window closes
// with at least MinParticipants, or aborts with quorum_not_met at the deadline.
//
// ## KEY_EXCHANGE
//
// The coordinator sends RoundStarted with the admitted set, each participant's
// share index and the Shamir threshold. Each participant derives a pairwise
// secret with every peer, splits its masking private key into n shares over
// GF(2^8), seals share i to the participant with index i and returns the sealed
// bundle.
//
// ## MASKING and SUBMISSION
//
// Once every surviving participant has delivered its bundle, MaskingStarted
// relays each participant's inbound shares and fixes the active set. A
// participant with private vector x submits
//
//	y = x + Σ_{peer > self} mask(self, peer) - Σ_{peer < self} mask(self, peer)  (mod 2^64)
//
// so the masks cancel pairwise when every active participant submits.
//
// ## RECOVERY
//
// If some active participants never submit, survivors reveal their shares
// of the dropped participants' masking keys. The coordinator reconstructs each
// key, checks it against the published public key and cancels the dropped
// participants' masks from the sum. A dropped participant's vector is never
// part of the result.
//
// # Quorum
//
// After SETUP a round continues only while at most DropoutTolerance admitted
// participants have dropped and the remaining count stays at or above both the
// threshold and MinParticipants-DropoutTolerance. Otherwise it aborts with
// dropout_exceeded.
//
// # Concurrency
//
// The Coordinator keeps each round in an arena and drives it from a dedicated
// goroutine; transports post events to it and never touch round state.
// Published snapshots are immutable. The Agent guards its state with a mutex
// and can be used from any goroutine.
//
// # Errors
//
// Errors carry a wire ErrorCode (see CodeOf) and match one sentinel per
// condition through errors.Is. Classify groups them into protocol, round,
// recovery, transport and local errors.
package protocol
