package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotEligible, "not_eligible"},
		{fmt.Errorf("request r1: %w", ErrAlreadyVoted), "already_voted"},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrChainIntegrityViolation)), "chain_integrity_violation"},
		{ErrNoMatchingChain, "no_matching_chain"},
		{fmt.Errorf("%w: document id is required", ErrInvalidInput), "invalid_input"},
		{fmt.Errorf("%w: doc-1", ErrActiveRequestExists), "active_request_exists"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err))
	}
}
