// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prison

import (
	"fmt"
	"math"
	"time"
)

// Policy is the DoS policy that turns a record's offenses into a ban
// duration.
type Policy struct {
	// SeverityInBitcoinsPerHour is the amount of disrupted value that
	// earns one hour of ban.
	SeverityInBitcoinsPerHour float64

	// PenaltyFactorForDisruptingConfirmation scales the value of inputs
	// that failed to confirm their registration.
	PenaltyFactorForDisruptingConfirmation float64

	// PenaltyFactorForDisruptingSigning scales the value of inputs that
	// failed to sign the coinjoin.
	PenaltyFactorForDisruptingSigning float64

	// PenaltyFactorForDisruptingByDoubleSpending scales the value of
	// inputs that were double spent during a round.
	PenaltyFactorForDisruptingByDoubleSpending float64

	// Escalation multiplies the ban duration for every repeated offense.
	// It must be at least 1.
	Escalation float64

	// MinTimeInPrison and MaxTimeInPrison clamp value based ban
	// durations.
	MinTimeInPrison time.Duration
	MaxTimeInPrison time.Duration

	// MinTimeForFailedToVerify is the shortest ban handed out when the
	// risk provider asks for a coin to be banned.
	MinTimeForFailedToVerify time.Duration

	// MinTimeForCheating is the shortest ban handed out for provable
	// protocol cheating.
	MinTimeForCheating time.Duration

	// ForgiveAfter is how long after its expiry a record is kept around
	// so that repeated offenses still escalate.
	ForgiveAfter time.Duration
}

// DefaultPolicy returns the policy used when the operator does not configure
// one.
func DefaultPolicy() Policy {
	return Policy{
		SeverityInBitcoinsPerHour:                  1,
		PenaltyFactorForDisruptingConfirmation:     0.2,
		PenaltyFactorForDisruptingSigning:          1,
		PenaltyFactorForDisruptingByDoubleSpending: 3,
		Escalation:               2,
		MinTimeInPrison:          20 * time.Minute,
		MaxTimeInPrison:          90 * 24 * time.Hour,
		MinTimeForFailedToVerify: 31 * 24 * time.Hour,
		MinTimeForCheating:       24 * time.Hour,
		ForgiveAfter:             30 * 24 * time.Hour,
	}
}

// Validate checks that the policy can be used to compute ban durations.
func (p *Policy) Validate() error {
	switch {
	case p.SeverityInBitcoinsPerHour <= 0:
		return policyError("severity must be positive")

	case p.PenaltyFactorForDisruptingConfirmation < 0,
		p.PenaltyFactorForDisruptingSigning < 0,
		p.PenaltyFactorForDisruptingByDoubleSpending < 0:

		return policyError("penalty factors must not be negative")

	case p.Escalation < 1:
		return policyError("escalation must be at least 1")

	case p.MinTimeInPrison <= 0:
		return policyError("minimum time in prison must be positive")

	case p.MaxTimeInPrison < p.MinTimeInPrison:
		return policyError("maximum time in prison is below the " +
			"minimum")

	case p.ForgiveAfter < 0:
		return policyError("forgiveness horizon must not be negative")
	}

	return nil
}

func policyError(desc string) error {
	return prisonError(ErrInvalidPolicy, desc, nil)
}

// weight returns the ban hours earned by the disrupted values of a record.
func (p *Policy) weight(d *Disruptions) float64 {
	weighted := d.Confirmation.ToBTC()*p.PenaltyFactorForDisruptingConfirmation +
		d.Signing.ToBTC()*p.PenaltyFactorForDisruptingSigning +
		d.DoubleSpend.ToBTC()*p.PenaltyFactorForDisruptingByDoubleSpending

	return weighted / p.SeverityInBitcoinsPerHour
}

// Duration returns the ban duration earned by a record, before its minimum
// expiry is applied.  It never decreases when disrupted value or the offense
// count grow.
func (p *Policy) Duration(r *Record) time.Duration {
	hours := p.weight(&r.Disruptions)
	if r.Offenses > 1 {
		hours *= math.Pow(p.Escalation, float64(r.Offenses-1))
	}

	d := p.MaxTimeInPrison
	if maxHours := p.MaxTimeInPrison.Hours(); hours < maxHours {
		d = time.Duration(hours * float64(time.Hour))
	}
	if d < p.MinTimeInPrison {
		d = p.MinTimeInPrison
	}

	return d
}

// Expiry returns the time the ban described by a record ends.
func (p *Policy) Expiry(r *Record) time.Time {
	expiry := r.Started.Add(p.Duration(r))
	if r.MinExpiry.After(expiry) {
		return r.MinExpiry
	}
	return expiry
}

// String returns a short description of the policy for logging.
func (p Policy) String() string {
	return fmt.Sprintf("severity=%vBTC/h factors=%v/%v/%v escalation=%v "+
		"prison=[%v,%v]", p.SeverityInBitcoinsPerHour,
		p.PenaltyFactorForDisruptingConfirmation,
		p.PenaltyFactorForDisruptingSigning,
		p.PenaltyFactorForDisruptingByDoubleSpending, p.Escalation,
		p.MinTimeInPrison, p.MaxTimeInPrison)
}
