package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/session"
	"stockgate/services/authd/internal/storetest"
)

type countingPurger struct {
	calls atomic.Int64
	n     int64
	err   error
}

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return p.n, p.err
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ok := &countingPurger{n: 3}
	broken := &countingPurger{err: errors.New("db down")}
	j := New(time.Minute, zerolog.Nop(), map[string]Purger{"sessions": ok, "codes": broken})

	removed := j.Sweep(context.Background())
	require.Equal(t, map[string]int64{"sessions": 3}, removed)
	require.EqualValues(t, 1, broken.calls.Load())
}

func TestRunStopsWithContext(t *testing.T) {
	p := &countingPurger{}
	j := New(10*time.Millisecond, zerolog.Nop(), map[string]Purger{"sessions": p})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRunDisabled(t *testing.T) {
	p := &countingPurger{}
	New(0, zerolog.Nop(), map[string]Purger{"sessions": p}).Run(context.Background())
	require.Zero(t, p.calls.Load())
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	database := storetest.Open(t)
	clock := storetest.NewClock()
	account := storetest.CreateAccount(t, database, "clerk@example.com", models.RoleStaff)

	sessions, err := session.New(database, session.Options{Secret: "s", TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	codes := otp.New(database, otp.Options{Now: clock.Now})

	ctx := context.Background()
	_, err = sessions.Issue(ctx, account)
	require.NoError(t, err)
	_, err = codes.Issue(ctx, account)
	require.NoError(t, err)

	j := New(time.Minute, zerolog.Nop(), map[string]Purger{"sessions": sessions, "codes": codes})
	require.Equal(t, map[string]int64{"sessions": 0, "codes": 0}, j.Sweep(ctx))

	clock.Advance(2 * time.Hour)
	require.Equal(t, map[string]int64{"sessions": 1, "codes": 1}, j.Sweep(ctx))
}
