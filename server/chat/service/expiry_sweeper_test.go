package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	deleted int64
	err     error
	calls   int
}

func (c *countingCleaner) CleanupExpired(context.Context) (int64, error) {
	c.calls++
	return c.deleted, c.err
}

func TestExpirySweeperRejectsInvalidCron(t *testing.T) {
	_, err := NewExpirySweeper(&countingCleaner{}, "every tuesday")
	assert.Error(t, err)

	sweeper, err := NewExpirySweeper(&countingCleaner{}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultCleanupCron, sweeper.Cron())
}

func TestExpirySweeperRunOnce(t *testing.T) {
	cleaner := &countingCleaner{deleted: 3}
	sweeper, err := NewExpirySweeper(cleaner, "0 * * * *")
	require.NoError(t, err)

	deleted, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	cleaner.err = errBoom
	_, err = sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, cleaner.calls)
}

func TestExpirySweeperStartStop(t *testing.T) {
	sweeper, err := NewExpirySweeper(&countingCleaner{}, "0 0 1 1 *")
	require.NoError(t, err)
	sweeper.Start(context.Background())
	sweeper.Start(context.Background())
	sweeper.Stop()
	sweeper.Stop()
}
