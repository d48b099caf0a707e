// retry_test.go - Retry logic tests.
// Copyright (C) 2025  The kvconnect authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	require := require.New(t)

	base := 100 * time.Millisecond
	max := time.Second

	require.Equal(base, Delay(base, max, 0, 0))
	require.Equal(2*base, Delay(base, max, 0, 1))
	require.Equal(4*base, Delay(base, max, 0, 2))
	require.Equal(max, Delay(base, max, 0, 10), "capped at max")
}

func TestDelayJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := Delay(base, time.Second, 0.2, 0)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	require := require.New(t)

	require.False(IsTransient(nil))
	require.False(IsTransient(context.Canceled))
	require.False(IsTransient(context.DeadlineExceeded))
	require.False(IsTransient(errors.New("application error")))

	require.True(IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.True(IsTransient(&net.DNSError{Err: "timeout", IsTimeout: true}))
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := &net.OpError{Op: "read", Err: errors.New("reset")}
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return transient
	})
	require.ErrorIs(t, err, transient)
	require.Equal(t, 3, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 5, time.Hour, func() error {
		return &net.OpError{Op: "dial", Err: errors.New("refused")}
	})
	require.ErrorIs(t, err, context.Canceled)
}
