// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package decomposer turns a participant's registered input sum into the set
// of output amounts it should request from a round.
//
// Amounts are picked from the coordinator's denomination menu so that the
// resulting outputs look like everybody else's.  Three strategies produce
// candidate decompositions: a naive greedy pass, many randomized greedy passes
// and an exhaustive bounded search for exact (changeless) decompositions.  The
// final choice is randomized among the cheapest candidates so that the
// coordinator never settles into a recognizable pattern.
package decomposer

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultMaxOutputs is the default number of outputs a single
	// participant may request.
	DefaultMaxOutputs = 10

	// DefaultPreDecompositions is the default number of randomized greedy
	// passes performed for every decomposition.
	DefaultPreDecompositions = 10_000

	// changeFloor is the smallest change tolerance used when no changeless
	// decomposition exists.
	changeFloor btcutil.Amount = 100_000
)

// Config holds the round parameters a Decomposer works with.
type Config struct {
	// FeeRate is the round's mining fee rate.
	FeeRate unit.SatPerKVByte

	// MinAllowedOutputAmount is the smallest output amount the round
	// accepts.  Denominations below it are never used.
	MinAllowedOutputAmount btcutil.Amount

	// AvailableVsize is the output vsize budget of a single participant.
	AvailableVsize int

	// ScriptTypes lists the output script types the round allows.  When
	// empty, only P2WPKH is used.
	ScriptTypes []ScriptType

	// MaxOutputs is the number of outputs a participant may request.  It
	// is further capped by AvailableVsize.  Zero selects
	// DefaultMaxOutputs.
	MaxOutputs int

	// PreDecompositions is the number of randomized greedy passes.  Zero
	// selects DefaultPreDecompositions.
	PreDecompositions int

	// RelayFeePerKb is the relay fee used to detect dust denominations.
	// Zero selects txrules.DefaultRelayFeePerKb.
	RelayFeePerKb btcutil.Amount
}

// Decomposer computes output decompositions for one round.  It is safe for
// concurrent use; calls are serialized around the random source.
type Decomposer struct {
	cfg Config

	// baseType is the cheapest allowed script type.  Denominations and
	// change are priced with it and a share of the outputs is later
	// switched to the other allowed types.
	baseType ScriptType
	baseFee  btcutil.Amount

	// changeThreshold is the smallest remainder that can still be turned
	// into a change output.  Anything below it is left to the miners.
	changeThreshold btcutil.Amount

	maxOutputs int

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a Decomposer for the given round configuration.  The random
// source is owned by the Decomposer from here on; seeding it makes the
// decompositions reproducible.
func New(cfg Config, rng *rand.Rand) (*Decomposer, error) {
	if rng == nil {
		return nil, decompError(ErrInvalidConfig,
			"a random source is required", nil)
	}
	if cfg.MinAllowedOutputAmount <= 0 {
		return nil, decompError(ErrInvalidConfig,
			"minimum allowed output amount must be positive", nil)
	}
	if len(cfg.ScriptTypes) == 0 {
		cfg.ScriptTypes = []ScriptType{P2WPKH}
	}
	if cfg.MaxOutputs <= 0 {
		cfg.MaxOutputs = DefaultMaxOutputs
	}
	if cfg.PreDecompositions <= 0 {
		cfg.PreDecompositions = DefaultPreDecompositions
	}
	if cfg.RelayFeePerKb <= 0 {
		cfg.RelayFeePerKb = txrules.DefaultRelayFeePerKb
	}

	baseType, largest := cfg.ScriptTypes[0], cfg.ScriptTypes[0]
	for _, st := range cfg.ScriptTypes[1:] {
		if st.OutputVsize() < baseType.OutputVsize() {
			baseType = st
		}
		if st.OutputVsize() > largest.OutputVsize() {
			largest = st
		}
	}

	// Capping the output count by the largest script type keeps every
	// script assignment inside the vsize budget.
	maxOutputs := cfg.MaxOutputs
	if byVsize := cfg.AvailableVsize / largest.OutputVsize(); byVsize < maxOutputs {
		maxOutputs = byVsize
	}
	if maxOutputs < 1 {
		str := fmt.Sprintf("available vsize %d cannot fit a single "+
			"%v output", cfg.AvailableVsize, largest)
		return nil, decompError(ErrInvalidConfig, str, nil)
	}

	baseFee := cfg.FeeRate.FeeForVSize(baseType.OutputVsize())

	return &Decomposer{
		cfg:             cfg,
		baseType:        baseType,
		baseFee:         baseFee,
		changeThreshold: cfg.MinAllowedOutputAmount + baseFee,
		maxOutputs:      maxOutputs,
		rand:            rng,
	}, nil
}

// candidate is an unpriced decomposition: a multiset of denominations plus
// an optional change amount.
type candidate struct {
	// denoms is sorted in descending order.
	denoms []btcutil.Amount

	// change is the change output amount, zero when the candidate is
	// changeless.
	change btcutil.Amount
}

// hash returns the content hash used to deduplicate candidates.
func (c *candidate) hash() chainhash.Hash {
	buf := make([]byte, 8*(len(c.denoms)+1))
	binary.BigEndian.PutUint64(buf, uint64(c.change))
	for i, d := range c.denoms {
		binary.BigEndian.PutUint64(buf[8*(i+1):], uint64(d))
	}
	return chainhash.HashH(buf)
}

// scored is a candidate with script types assigned and its ranking keys.
type scored struct {
	outputs []Output
	change  btcutil.Amount
	cost    btcutil.Amount
	mixed   bool
}

// largest returns the largest output amount of the decomposition.
func (s *scored) largest() btcutil.Amount {
	return s.outputs[0].Amount
}

// Decompose returns the outputs a participant with the given input sum
// should register, chosen from the denomination menu.  The menu is not
// modified.
func (d *Decomposer) Decompose(inputSum btcutil.Amount,
	denominations []btcutil.Amount) ([]Output, error) {

	if len(denominations) == 0 {
		return nil, decompError(ErrNoDenominations,
			"empty denomination menu", nil)
	}

	denoms := d.usableDenominations(denominations)
	if len(denoms) == 0 {
		return nil, decompError(ErrNoDenominations,
			"no denomination satisfies the output policy", nil)
	}

	cheapest := denoms[len(denoms)-1] + d.baseFee
	if inputSum < cheapest {
		str := fmt.Sprintf("insufficient funds to participate: input "+
			"sum %v is below the cheapest output cost %v",
			inputSum, cheapest)
		return nil, decompError(ErrInsufficientFunds, str, nil)
	}

	// Only denominations the participant can afford take part in the
	// search.
	affordable := denoms[:0:0]
	for _, denom := range denoms {
		if denom+d.baseFee <= inputSum {
			affordable = append(affordable, denom)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make(map[chainhash.Hash]candidate)
	addCandidate := func(c candidate) {
		candidates[c.hash()] = c
	}

	addCandidate(d.naive(affordable, inputSum))
	for i := 0; i < d.cfg.PreDecompositions; i++ {
		addCandidate(d.preDecomposition(affordable, inputSum))
	}
	for _, c := range d.changeless(affordable, inputSum) {
		addCandidate(c)
	}

	// If any candidate avoids change, the ones with change are not even
	// considered.
	pool := make([]candidate, 0, len(candidates))
	changeAvoided := false
	for _, c := range candidates {
		if c.change == 0 {
			changeAvoided = true
			break
		}
	}
	for _, c := range candidates {
		if changeAvoided && c.change != 0 {
			continue
		}
		pool = append(pool, c)
	}

	// Map iteration order is not controlled by the random source, so
	// fix an order first to keep seeded runs reproducible.
	sort.Slice(pool, func(i, j int) bool {
		return candidateLess(&pool[i], &pool[j])
	})

	ranked := make([]scored, 0, len(pool))
	for i := range pool {
		ranked = append(ranked, d.assignScripts(&pool[i], inputSum))
	}

	final := d.selectFinal(ranked, inputSum, changeAvoided)
	if err := d.verify(inputSum, final.outputs); err != nil {
		log.Criticalf("Decomposition of %v failed sanity checks: %v",
			inputSum, err)
		return nil, err
	}

	log.Debugf("Decomposed %v into %d outputs out of %d candidates "+
		"(changeless=%v)", inputSum, len(final.outputs), len(ranked),
		changeAvoided)
	log.Tracef("Selected decomposition: %v", newLogClosure(func() string {
		return spew.Sdump(final.outputs)
	}))

	return final.outputs, nil
}

// usableDenominations returns the distinct denominations the round policy
// allows, sorted in descending order.
func (d *Decomposer) usableDenominations(
	denominations []btcutil.Amount) []btcutil.Amount {

	seen := make(map[btcutil.Amount]struct{}, len(denominations))
	usable := make([]btcutil.Amount, 0, len(denominations))
	for _, denom := range denominations {
		if denom < d.cfg.MinAllowedOutputAmount {
			continue
		}
		if txrules.IsDustAmount(denom, d.baseType.ScriptSize(),
			d.cfg.RelayFeePerKb) {

			continue
		}
		if _, ok := seen[denom]; ok {
			continue
		}
		seen[denom] = struct{}{}
		usable = append(usable, denom)
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i] > usable[j]
	})

	return usable
}

// finish turns a denomination multiset and the remaining budget into a
// candidate, adding a change output when the remainder is large enough to
// pay for one.
func (d *Decomposer) finish(set []btcutil.Amount,
	remaining btcutil.Amount) candidate {

	sort.Slice(set, func(i, j int) bool {
		return set[i] > set[j]
	})

	c := candidate{denoms: set}
	if remaining >= d.changeThreshold {
		c.change = remaining - d.baseFee
	}

	return c
}

// naive takes the largest denomination that still fits until either the
// budget or the output count runs out.  One output slot is always kept for
// change.
func (d *Decomposer) naive(denoms []btcutil.Amount,
	inputSum btcutil.Amount) candidate {

	remaining := inputSum
	var set []btcutil.Amount
	for _, denom := range denoms {
		for denom+d.baseFee <= remaining && len(set) < d.maxOutputs-1 {
			set = append(set, denom)
			remaining -= denom + d.baseFee
		}
	}

	return d.finish(set, remaining)
}

// preDecomposition performs one randomized greedy pass.  At every step it
// prefers denominations around a third of the remaining budget so the passes
// explore decompositions with several similarly sized outputs.
func (d *Decomposer) preDecomposition(denoms []btcutil.Amount,
	inputSum btcutil.Amount) candidate {

	remaining := inputSum
	var set []btcutil.Amount
	for len(set) < d.maxOutputs-1 && remaining >= d.changeThreshold {
		denom, ok := d.pickNearThird(denoms, remaining)
		if !ok {
			break
		}
		set = append(set, denom)
		remaining -= denom + d.baseFee
	}

	return d.finish(set, remaining)
}

// pickNearThird picks a denomination that fits the remaining budget with a
// probability weighted by how close it is to a third of that budget.  Only
// denominations of at least a third are eligible; when there are none the
// largest fitting denomination is returned.
func (d *Decomposer) pickNearThird(denoms []btcutil.Amount,
	remaining btcutil.Amount) (btcutil.Amount, bool) {

	third := float64(remaining) / 3

	var (
		eligible []btcutil.Amount
		weights  []float64
		total    float64
	)
	for _, denom := range denoms {
		if denom+d.baseFee > remaining {
			continue
		}
		if float64(denom) < third {
			break
		}

		distance := float64(denom) - third
		w := third / (third + distance)
		eligible = append(eligible, denom)
		weights = append(weights, w)
		total += w
	}

	if len(eligible) == 0 {
		for _, denom := range denoms {
			if denom+d.baseFee <= remaining {
				return denom, true
			}
		}
		return 0, false
	}

	r := d.rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return eligible[i], true
		}
	}

	return eligible[len(eligible)-1], true
}

// changeless collects the exact decompositions whose leftover is too small
// to become a change output.
func (d *Decomposer) changeless(denoms []btcutil.Amount,
	inputSum btcutil.Amount) []candidate {

	costs := make([]int64, len(denoms))
	for i, denom := range denoms {
		costs[i] = int64(denom + d.baseFee)
	}

	tolerance := int64(d.changeThreshold) - 1
	solutions := exactSearch(
		costs, int64(inputSum), tolerance, d.maxOutputs,
	)

	candidates := make([]candidate, 0, len(solutions))
	for _, solution := range solutions {
		set := make([]btcutil.Amount, len(solution))
		for i, idx := range solution {
			set[i] = denoms[idx]
		}
		candidates = append(candidates, candidate{denoms: set})
	}

	return candidates
}

// assignScripts prices a candidate.  Outputs start out with the cheapest
// script type, then a random subset of at most half of them is switched to
// another allowed type as long as the extra fees stay within half of the
// candidate's slack.
func (d *Decomposer) assignScripts(c *candidate,
	inputSum btcutil.Amount) scored {

	outputs := make([]Output, 0, len(c.denoms)+1)
	for _, denom := range c.denoms {
		outputs = append(outputs, Output{
			Amount:     denom,
			ScriptType: d.baseType,
			Fee:        d.baseFee,
		})
	}
	changeIdx := -1
	if c.change > 0 {
		changeIdx = len(outputs)
		outputs = append(outputs, Output{
			Amount:     c.change,
			ScriptType: d.baseType,
			Fee:        d.baseFee,
		})
	}

	alternatives := make([]ScriptType, 0, len(d.cfg.ScriptTypes))
	for _, st := range d.cfg.ScriptTypes {
		if st != d.baseType {
			alternatives = append(alternatives, st)
		}
	}

	if len(alternatives) > 0 && len(outputs) > 0 {
		// Candidates with change pay for the switch out of the change
		// output, changeless ones out of the leftover.
		var budget btcutil.Amount
		if changeIdx >= 0 {
			budget = (c.change - d.cfg.MinAllowedOutputAmount) / 2
		} else {
			budget = (inputSum - SumEffectiveCost(outputs)) / 2
		}
		vsizeLeft := d.cfg.AvailableVsize - SumVsize(outputs)

		limit := (len(outputs) + 1) / 2
		switches := d.rand.Intn(limit + 1)
		for _, idx := range d.rand.Perm(len(outputs))[:switches] {
			alt := alternatives[d.rand.Intn(len(alternatives))]
			fee := d.cfg.FeeRate.FeeForVSize(alt.OutputVsize())
			extraFee := fee - outputs[idx].Fee
			extraVsize := alt.OutputVsize() -
				outputs[idx].ScriptType.OutputVsize()
			if extraFee > budget || extraVsize > vsizeLeft {
				continue
			}

			budget -= extraFee
			vsizeLeft -= extraVsize
			outputs[idx].ScriptType = alt
			outputs[idx].Fee = fee
			if changeIdx >= 0 {
				outputs[changeIdx].Amount -= extraFee
			}
		}
	}

	sort.SliceStable(outputs, func(i, j int) bool {
		return outputs[i].Amount > outputs[j].Amount
	})

	var (
		total    btcutil.Amount
		typesSet = make(map[ScriptType]struct{})
	)
	for _, o := range outputs {
		total += o.Amount
		typesSet[o.ScriptType] = struct{}{}
	}
	var change btcutil.Amount
	if changeIdx >= 0 {
		change = c.change
	}

	return scored{
		outputs: outputs,
		change:  change,
		cost:    inputSum - total,
		mixed:   len(typesSet) > 1,
	}
}

// selectFinal ranks the priced candidates and randomly picks one among the
// best.  The pick first chooses a largest output amount and only then a
// candidate sharing it, because decompositions with different largest
// outputs differ the most.
func (d *Decomposer) selectFinal(ranked []scored, inputSum btcutil.Amount,
	changeAvoided bool) *scored {

	d.rand.Shuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if a.change != b.change {
			return a.change < b.change
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		return a.mixed && !b.mixed
	})

	best := &ranked[0]
	var within func(s *scored) bool
	if changeAvoided {
		costTolerance := best.cost + best.cost/5
		within = func(s *scored) bool {
			return s.cost <= costTolerance
		}
	} else {
		changeTolerance := inputSum / 10
		if t := best.change + best.change/5; t > changeTolerance {
			changeTolerance = t
		}
		if changeTolerance < changeFloor {
			changeTolerance = changeFloor
		}
		within = func(s *scored) bool {
			return s.change <= changeTolerance
		}
	}

	groups := make(map[btcutil.Amount][]*scored)
	var largest []btcutil.Amount
	for i := range ranked {
		s := &ranked[i]
		if !within(s) {
			continue
		}
		if _, ok := groups[s.largest()]; !ok {
			largest = append(largest, s.largest())
		}
		groups[s.largest()] = append(groups[s.largest()], s)
	}

	group := groups[largest[d.rand.Intn(len(largest))]]
	return group[d.rand.Intn(len(group))]
}

// verify re-checks the conservation and size invariants of a decomposition
// before it is handed out.
func (d *Decomposer) verify(inputSum btcutil.Amount, outputs []Output) error {
	if len(outputs) == 0 {
		return decompError(ErrInvariantViolation,
			"decomposition has no outputs", nil)
	}

	total := SumEffectiveCost(outputs)
	if total > inputSum {
		str := fmt.Sprintf("decomposition is creating money: outputs "+
			"cost %v out of an input sum of %v", total, inputSum)
		return decompError(ErrInvariantViolation, str, nil)
	}

	if leftover := inputSum - total; leftover >= d.changeThreshold {
		str := fmt.Sprintf("decomposition is losing money: leftover "+
			"%v could pay for a change output", leftover)
		return decompError(ErrInvariantViolation, str, nil)
	}

	if vsize := SumVsize(outputs); vsize > d.cfg.AvailableVsize {
		str := fmt.Sprintf("decomposition needs %d vbytes of the %d "+
			"available", vsize, d.cfg.AvailableVsize)
		return decompError(ErrInvariantViolation, str, nil)
	}

	return nil
}

// candidateLess orders candidates by change and then by their denominations,
// giving a deterministic order independent of map iteration.
func candidateLess(a, b *candidate) bool {
	if a.change != b.change {
		return a.change < b.change
	}
	if len(a.denoms) != len(b.denoms) {
		return len(a.denoms) < len(b.denoms)
	}
	for i := range a.denoms {
		if a.denoms[i] != b.denoms[i] {
			return a.denoms[i] > b.denoms[i]
		}
	}
	return false
}
