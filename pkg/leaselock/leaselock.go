// Package leaselock serializes memory writers per fingerprint. Only one
// run at a time may update the memory record behind a fingerprint key;
// concurrent runs touching disjoint fingerprints proceed in parallel.
// Leases live in postgres with a TTL and are renewed in the background,
// so a crashed holder frees its fingerprints once the TTL lapses.
package leaselock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy means another run currently holds the fingerprint.
	ErrBusy = errors.New("fingerprint lease busy")
	// ErrLost means the lease could not be renewed; the holder must abort
	// its write.
	ErrLost = errors.New("fingerprint lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker grants fingerprint write leases.
type Locker struct {
	db dbConn
}

// Options tune lease lifetime and contention behavior.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration
}

// Lease is a held fingerprint lease. Context is canceled if renewal
// fails, which signals the holder to stop writing.
type Lease struct {
	Fingerprint string
	Token       string

	Context context.Context

	locker *Locker
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a locker over the given pool.
func New(pool *pgxpool.Pool) *Locker {
	return &Locker{db: pool}
}

// WithLease runs fn while holding the write lease for fingerprintKey and
// releases it afterwards. fn receives the lease context and must stop
// writing once it is canceled.
func (lk *Locker) WithLease(ctx context.Context, fingerprintKey string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := lk.Acquire(ctx, fingerprintKey, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

// Acquire takes the write lease for a fingerprint. Without Wait it
// returns ErrBusy immediately when another run holds it.
func (lk *Locker) Acquire(ctx context.Context, fingerprintKey string, opts Options) (*Lease, error) {
	if fingerprintKey == "" {
		return nil, errors.New("fingerprint key is empty")
	}

	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	ttlMs := opts.TTL.Milliseconds()
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.TTL {
		opts.RenewEvery = max(opts.TTL/2, time.Second)
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 250 * time.Millisecond
	}
	if opts.WaitJitter < 0 {
		opts.WaitJitter = 0
	}

	tok, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := "lease_" + tok

	acquireOnce := func(ctx context.Context) (bool, error) {
		var returned string
		err := lk.db.QueryRow(ctx, tryAcquireSQL, fingerprintKey, token, ttlMs).Scan(&returned)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return returned != "", nil
	}

	for {
		ok, err := acquireOnce(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Fingerprint: fingerprintKey,
		Token:       token,
		Context:     leaseCtx,
		locker:      lk,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
	}

	go l.renewLoop(opts, ttlMs)

	return l, nil
}

// Release drops the lease. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	_, err := l.locker.db.Exec(ctx, releaseSQL, l.Fingerprint, l.Token)
	return err
}

func (l *Lease) renewLoop(opts Options, ttlMs int64) {
	t := time.NewTicker(opts.RenewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renewOnce(ttlMs int64) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var returned string
		err := l.locker.db.QueryRow(renewCtx, renewSQL, l.Fingerprint, l.Token, ttlMs).Scan(&returned)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		if attempt == 2 {
			return err
		}
		if err := sleepWithJitter(l.Context, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return ErrLost
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const tryAcquireSQL = `
INSERT INTO fingerprint_locks (fingerprint_key, held_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (fingerprint_key) DO UPDATE
SET held_by    = EXCLUDED.held_by,
    expires_at = EXCLUDED.expires_at
WHERE fingerprint_locks.expires_at < now()
   OR fingerprint_locks.held_by = EXCLUDED.held_by
RETURNING fingerprint_key;
`

const renewSQL = `
UPDATE fingerprint_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE fingerprint_key = $1 AND held_by = $2
RETURNING fingerprint_key;
`

const releaseSQL = `
DELETE FROM fingerprint_locks
WHERE fingerprint_key = $1 AND held_by = $2;
`
