// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prison

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	testStartTime = time.Unix(1_700_000_000, 0)
	testRoundID   = chainhash.Hash{0x01}
)

// testDB creates an empty bbolt database that is closed when the test ends.
func testDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "prison.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testPrison creates a prison with the default policy, a test clock and a
// force ticker.
func testPrison(t *testing.T, db walletdb.DB) (*Prison, *clock.TestClock,
	*ticker.Force) {

	t.Helper()

	clk := clock.NewTestClock(testStartTime)
	pruneTicker := ticker.NewForce(time.Hour)

	p, err := New(Config{
		DB:          db,
		Policy:      DefaultPolicy(),
		Clock:       clk,
		PruneTicker: pruneTicker,
	})
	require.NoError(t, err)

	return p, clk, pruneTicker
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

// TestFailedToConfirmMinimumBan checks that small disruptions are clamped to
// the minimum time in prison.
func TestFailedToConfirmMinimumBan(t *testing.T) {
	t.Parallel()

	p, _, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()
	op := testOutPoint(1, 0)

	require.False(t, p.IsBanned(op, policy, testStartTime))

	// 1 BTC * 0.2 / 1 BTC per hour = 12 minutes, below the minimum.
	err := p.FailedToConfirm(op, btcutil.SatoshiPerBitcoin, testRoundID)
	require.NoError(t, err)

	expiry, ok := p.BanExpiry(op, policy)
	require.True(t, ok)
	require.True(t, expiry.Equal(testStartTime.Add(policy.MinTimeInPrison)))

	require.True(t, p.IsBanned(op, policy, testStartTime.Add(19*time.Minute)))
	require.False(t, p.IsBanned(op, policy, testStartTime.Add(20*time.Minute)))

	r, ok := p.Record(op)
	require.True(t, ok)
	require.Equal(t, FailedToConfirm, r.Offense)
	require.Equal(t, uint32(1), r.Offenses)
	require.Equal(t, []chainhash.Hash{testRoundID}, r.RoundIDs)
}

// TestOffenseSeverity checks that double spending is punished harder than
// failing to sign, which is punished harder than failing to confirm.
func TestOffenseSeverity(t *testing.T) {
	t.Parallel()

	p, _, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()
	const amount = 10 * btcutil.SatoshiPerBitcoin

	confirm, sign, spent := testOutPoint(1, 0), testOutPoint(2, 0),
		testOutPoint(3, 0)

	require.NoError(t, p.FailedToConfirm(confirm, amount, testRoundID))
	require.NoError(t, p.FailedToSign(sign, amount, testRoundID))
	require.NoError(t, p.DoubleSpent(
		spent, amount, []chainhash.Hash{testRoundID, {0x02}},
	))

	confirmExpiry, _ := p.BanExpiry(confirm, policy)
	signExpiry, _ := p.BanExpiry(sign, policy)
	spentExpiry, _ := p.BanExpiry(spent, policy)

	require.True(t, confirmExpiry.Before(signExpiry))
	require.True(t, signExpiry.Before(spentExpiry))
	require.True(t, spentExpiry.Equal(testStartTime.Add(30*time.Hour)))

	r, _ := p.Record(spent)
	require.Len(t, r.RoundIDs, 2)
}

// TestBanMonotonicity checks that recording more offenses never moves an
// expiry backwards, also across expired bans.
func TestBanMonotonicity(t *testing.T) {
	t.Parallel()

	p, clk, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()
	op := testOutPoint(1, 0)
	rng := rand.New(rand.NewSource(1))

	var last time.Time
	now := testStartTime
	for i := 0; i < 200; i++ {
		amount := btcutil.Amount(rng.Int63n(5 * btcutil.SatoshiPerBitcoin))
		var err error
		switch rng.Intn(5) {
		case 0:
			err = p.FailedToConfirm(op, amount, testRoundID)
		case 1:
			err = p.FailedToSign(op, amount, testRoundID)
		case 2:
			err = p.DoubleSpent(op, amount, nil)
		case 3:
			err = p.CheatingDetected(op, testRoundID)
		case 4:
			err = p.FailedVerification(op, time.Hour)
		}
		require.NoError(t, err)

		expiry, ok := p.BanExpiry(op, policy)
		require.True(t, ok)
		require.False(t, expiry.Before(last), "offense %d", i)
		require.True(t, p.IsBanned(op, policy, now))
		last = expiry

		now = now.Add(time.Duration(rng.Int63n(int64(48 * time.Hour))))
		clk.SetTime(now)
	}
}

// TestEscalation checks that a repeat offender serves a longer ban than a
// first offender.
func TestEscalation(t *testing.T) {
	t.Parallel()

	p, clk, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()
	op := testOutPoint(1, 0)
	const amount = 10 * btcutil.SatoshiPerBitcoin

	// 10 BTC * 0.2 = 2 hours.
	require.NoError(t, p.FailedToConfirm(op, amount, testRoundID))
	expiry, _ := p.BanExpiry(op, policy)
	require.True(t, expiry.Equal(testStartTime.Add(2*time.Hour)))

	// Serve the ban and offend again: the new ban starts now and is
	// doubled.
	secondStart := testStartTime.Add(3 * time.Hour)
	clk.SetTime(secondStart)
	require.False(t, p.IsBanned(op, policy, secondStart))

	require.NoError(t, p.FailedToConfirm(op, amount, testRoundID))
	expiry, _ = p.BanExpiry(op, policy)
	require.True(t, expiry.Equal(secondStart.Add(4*time.Hour)))

	r, _ := p.Record(op)
	require.Equal(t, uint32(2), r.Offenses)
	require.True(t, r.Started.Equal(secondStart))
}

// TestMinimumExpiryOffenses checks the offenses that are not priced by value.
func TestMinimumExpiryOffenses(t *testing.T) {
	t.Parallel()

	p, _, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()

	verify, cheat := testOutPoint(1, 0), testOutPoint(2, 0)

	// A recommendation shorter than the policy minimum is raised.
	require.NoError(t, p.FailedVerification(verify, time.Hour))
	expiry, _ := p.BanExpiry(verify, policy)
	require.True(t, expiry.Equal(
		testStartTime.Add(policy.MinTimeForFailedToVerify),
	))

	// A longer recommendation is honored.
	require.NoError(t, p.FailedVerification(verify, 60*24*time.Hour))
	expiry, _ = p.BanExpiry(verify, policy)
	require.True(t, expiry.Equal(testStartTime.Add(60*24*time.Hour)))

	require.NoError(t, p.CheatingDetected(cheat, testRoundID))
	expiry, _ = p.BanExpiry(cheat, policy)
	require.True(t, expiry.Equal(
		testStartTime.Add(policy.MinTimeForCheating),
	))
}

// TestInheritPunishment checks that outputs of a banned coin are at least as
// banned as the coin itself.
func TestInheritPunishment(t *testing.T) {
	t.Parallel()

	p, clk, _ := testPrison(t, testDB(t))
	policy := DefaultPolicy()

	banned, clean := testOutPoint(1, 0), testOutPoint(2, 0)
	child, other := testOutPoint(3, 0), testOutPoint(4, 1)

	require.NoError(t, p.DoubleSpent(
		banned, btcutil.SatoshiPerBitcoin, []chainhash.Hash{testRoundID},
	))

	// Some time passes before the descendant shows up.
	clk.SetTime(testStartTime.Add(time.Hour))

	inherited, err := p.InheritPunishment(
		child, []wire.OutPoint{clean, banned},
	)
	require.NoError(t, err)
	require.True(t, inherited)

	parentExpiry, _ := p.BanExpiry(banned, policy)
	childExpiry, ok := p.BanExpiry(child, policy)
	require.True(t, ok)
	require.False(t, childExpiry.Before(parentExpiry))

	for d := time.Duration(0); d < 4*time.Hour; d += 10 * time.Minute {
		at := testStartTime.Add(d)
		if p.IsBanned(banned, policy, at) {
			require.True(t, p.IsBanned(child, policy, at), "at %v", d)
		}
	}

	r, _ := p.Record(child)
	require.Equal(t, Inherited, r.Offense)
	require.Equal(t, []wire.OutPoint{banned}, r.Ancestors)

	// Spending only clean coins passes nothing on.
	inherited, err = p.InheritPunishment(other, []wire.OutPoint{clean})
	require.NoError(t, err)
	require.False(t, inherited)
	_, ok = p.Record(other)
	require.False(t, ok)
}

// TestPersistence checks that a ledger reloaded from the database holds the
// same records.
func TestPersistence(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	p, _, _ := testPrison(t, db)
	policy := DefaultPolicy()

	spent, child := testOutPoint(1, 2), testOutPoint(2, 0)
	require.NoError(t, p.DoubleSpent(
		spent, 3*btcutil.SatoshiPerBitcoin,
		[]chainhash.Hash{testRoundID, {0x02}},
	))
	_, err := p.InheritPunishment(child, []wire.OutPoint{spent})
	require.NoError(t, err)

	reloaded, _, _ := testPrison(t, db)
	require.Equal(t, 2, reloaded.Count())

	for _, op := range []wire.OutPoint{spent, child} {
		want, _ := p.Record(op)
		got, ok := reloaded.Record(op)
		require.True(t, ok)

		require.Equal(t, want.OutPoint, got.OutPoint)
		require.Equal(t, want.Offense, got.Offense)
		require.Equal(t, want.Offenses, got.Offenses)
		require.Equal(t, want.Value, got.Value)
		require.Equal(t, want.Disruptions, got.Disruptions)
		require.Equal(t, want.RoundIDs, got.RoundIDs)
		require.Equal(t, want.Ancestors, got.Ancestors)
		require.True(t, want.Started.Equal(got.Started))
		require.True(t, want.MinExpiry.Equal(got.MinExpiry))

		wantExpiry, _ := p.BanExpiry(op, policy)
		gotExpiry, _ := reloaded.BanExpiry(op, policy)
		require.True(t, wantExpiry.Equal(gotExpiry))
	}
}

// TestRelease checks that released records are gone in memory and on disk.
func TestRelease(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	p, _, _ := testPrison(t, db)

	a, b, c := testOutPoint(1, 0), testOutPoint(2, 0), testOutPoint(3, 0)
	for _, op := range []wire.OutPoint{a, b, c} {
		require.NoError(t, p.CheatingDetected(op, testRoundID))
	}
	require.Len(t, p.Records(), 3)

	n, err := p.Release(a, testOutPoint(9, 9))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, p.Banned(a))
	require.True(t, p.Banned(b))

	// Remaining records are priced with the ledger's own policy.
	require.Equal(t, DefaultPolicy(), p.Policy())
	_, ok := p.BanExpiry(a, p.Policy())
	require.False(t, ok)
	expiry, ok := p.BanExpiry(b, p.Policy())
	require.True(t, ok)
	require.True(t, expiry.After(testStartTime))

	reloaded, _, _ := testPrison(t, db)
	require.Equal(t, 2, reloaded.Count())

	n, err = reloaded.Release()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	reloaded, _, _ = testPrison(t, db)
	require.Zero(t, reloaded.Count())
}

// TestPrune checks that only records past the forgiveness horizon are
// forgotten, in memory and on disk.
func TestPrune(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	p, clk, _ := testPrison(t, db)
	policy := DefaultPolicy()

	old, recent := testOutPoint(1, 0), testOutPoint(2, 0)
	require.NoError(t, p.FailedToConfirm(old, 1, testRoundID))

	clk.SetTime(testStartTime.Add(20 * 24 * time.Hour))
	require.NoError(t, p.FailedToConfirm(recent, 1, testRoundID))

	// The first ban expired 20 minutes after the start, the second one
	// 20 days and 20 minutes after it.
	now := testStartTime.Add(policy.MinTimeInPrison + policy.ForgiveAfter +
		time.Minute)
	n, err := p.Prune(policy, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := p.Record(old)
	require.False(t, ok)
	_, ok = p.Record(recent)
	require.True(t, ok)

	reloaded, _, _ := testPrison(t, db)
	require.Equal(t, 1, reloaded.Count())

	n, err = p.Prune(policy, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

// TestPruneHandler checks that the background prune runs on every tick.
func TestPruneHandler(t *testing.T) {
	t.Parallel()

	p, clk, pruneTicker := testPrison(t, testDB(t))
	p.Start()
	defer p.Stop()

	require.NoError(t, p.FailedToSign(testOutPoint(1, 0), 1, testRoundID))
	require.Equal(t, 1, p.Count())

	policy := DefaultPolicy()
	clk.SetTime(testStartTime.Add(policy.MinTimeInPrison +
		policy.ForgiveAfter + time.Hour))
	pruneTicker.Force <- clk.Now()

	require.Eventually(t, func() bool {
		return p.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestPolicyValidate checks the policy sanity checks.
func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	valid := DefaultPolicy()
	require.NoError(t, valid.Validate())

	testCases := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"zero severity", func(p *Policy) {
			p.SeverityInBitcoinsPerHour = 0
		}},
		{"negative factor", func(p *Policy) {
			p.PenaltyFactorForDisruptingSigning = -1
		}},
		{"deescalation", func(p *Policy) {
			p.Escalation = 0.5
		}},
		{"zero minimum", func(p *Policy) {
			p.MinTimeInPrison = 0
		}},
		{"maximum below minimum", func(p *Policy) {
			p.MaxTimeInPrison = p.MinTimeInPrison - time.Second
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			policy := DefaultPolicy()
			tc.mutate(&policy)
			require.True(t, IsError(policy.Validate(), ErrInvalidPolicy))
		})
	}
}

// TestPolicyDurationClamp checks that value based bans never exceed the
// maximum time in prison.
func TestPolicyDurationClamp(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	r := &Record{
		Started:  testStartTime,
		Offenses: 40,
		Disruptions: Disruptions{
			DoubleSpend: 21_000_000 * btcutil.SatoshiPerBitcoin,
		},
	}
	require.Equal(t, policy.MaxTimeInPrison, policy.Duration(r))
}

// TestReadRecordShort checks that truncated values are reported as corrupt.
func TestReadRecordShort(t *testing.T) {
	t.Parallel()

	r := &Record{
		OutPoint: testOutPoint(1, 7),
		Started:  testStartTime,
		Offenses: 1,
		RoundIDs: []chainhash.Hash{testRoundID},
	}
	k := canonicalOutPoint(&r.OutPoint)
	v := valueRecord(r)

	var got Record
	require.NoError(t, readRecord(k, v, &got))
	require.Equal(t, r.OutPoint, got.OutPoint)

	err := readRecord(k, v[:len(v)-1], &got)
	require.True(t, IsError(err, ErrData))

	err = readRecord(k[:35], v, &got)
	require.True(t, IsError(err, ErrData))
}
