package matrix

import "errors"

var (
	ErrUnknownMember  = errors.New("matrix: unknown member")
	ErrUnknownSponsor = errors.New("matrix: unknown sponsor")
	ErrAlreadyPlaced  = errors.New("matrix: member already placed")
	// ErrPositionTaken signals a lost race for a parent's child slot. The
	// placement loop retries the search; callers never see it.
	ErrPositionTaken = errors.New("matrix: position already taken")
	// ErrCapacityViolation indicates the conditional insert kept failing,
	// which points at a concurrency bug rather than a full tree.
	ErrCapacityViolation = errors.New("matrix: capacity invariant violation")
	ErrInvalidLevel      = errors.New("matrix: invalid level")
	ErrRewardNotFound    = errors.New("matrix: reward not found")
	ErrNotRecipient      = errors.New("matrix: caller is not the reward recipient")
	ErrNotClaimable      = errors.New("matrix: reward not claimable")
)
