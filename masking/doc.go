// Package masking implements pairwise additive masks that cancel on summation.
//
// For every pair of participants (i, j) sharing a secret s_ij, both derive the
// same seed from s_ij and the round identifier and expand it into a
// ChaCha20 keystream vector. The participant with the smaller identifier adds
// the mask and the other subtracts it, so the masks vanish from the sum of all
// masked vectors. All arithmetic is in Z/2^64.
//
// The package is stateless and safe for concurrent use.
package masking
