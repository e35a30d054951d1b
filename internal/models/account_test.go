package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccount_ResetApproved(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &Account{}
	assert.False(t, a.ResetApproved(now))

	a.ApproveReset(now.Add(time.Minute))
	assert.True(t, a.ResetApproved(now))
	assert.True(t, a.ResetApproved(now.Add(time.Minute)))
	assert.False(t, a.ResetApproved(now.Add(time.Minute+time.Nanosecond)))
}

func TestAccount_OpenChallengeWithdrawsReset(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &Account{IsVerified: true}
	a.ApproveReset(now.Add(time.Minute))

	a.OpenChallenge("123456", now.Add(15*time.Minute), PurposeLogin)
	assert.Nil(t, a.ResetExpiresAt)
	assert.False(t, a.ResetApproved(now))
	assert.False(t, a.IsVerified)
}

func TestAccount_CloneCopiesResetExpiry(t *testing.T) {
	a := &Account{}
	a.ApproveReset(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	c := a.Clone()
	*c.ResetExpiresAt = c.ResetExpiresAt.Add(time.Hour)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), *a.ResetExpiresAt)
}
