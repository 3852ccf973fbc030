// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rounds keeps track of the coordinator's rounds and of the coinjoin
// transactions they produced.
package rounds

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrRoundExists is returned when registering a round id twice.
	ErrRoundExists = errors.New("round already registered")

	// ErrUnknownRound is returned for operations on a round that is not
	// active.
	ErrUnknownRound = errors.New("unknown round")
)

// round is the registry's view of one round: the fee rate it advertised and
// the inputs registered to it.
type round struct {
	id      chainhash.Hash
	feeRate unit.SatPerKVByte
	inputs  map[wire.OutPoint]btcutil.Amount
}

// Disrupted describes an active round that contains some of a set of
// outpoints.
type Disrupted struct {
	// ID identifies the round.
	ID chainhash.Hash

	// FeeRate is the mining fee rate the round advertised.
	FeeRate unit.SatPerKVByte

	// Inputs are the registered inputs of the round that were matched,
	// with their amounts.
	Inputs map[wire.OutPoint]btcutil.Amount
}

// AbortFunc is called after a round was aborted.
type AbortFunc func(id chainhash.Hash, reason string)

// Registry holds the active rounds.  It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	rounds map[chainhash.Hash]*round

	// spenders indexes the registered inputs by outpoint.
	spenders map[wire.OutPoint]map[chainhash.Hash]struct{}

	onAbort AbortFunc
}

// NewRegistry returns an empty registry.  onAbort may be nil.
func NewRegistry(onAbort AbortFunc) *Registry {
	return &Registry{
		rounds:   make(map[chainhash.Hash]*round),
		spenders: make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
		onAbort:  onAbort,
	}
}

// Add registers a new active round.
func (r *Registry) Add(id chainhash.Hash, feeRate unit.SatPerKVByte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rounds[id]; ok {
		return fmt.Errorf("%w: %v", ErrRoundExists, id)
	}
	r.rounds[id] = &round{
		id:      id,
		feeRate: feeRate,
		inputs:  make(map[wire.OutPoint]btcutil.Amount),
	}

	log.Debugf("Round %v created with fee rate %v", id, feeRate)

	return nil
}

// AddInput registers an input to an active round.
func (r *Registry) AddInput(id chainhash.Hash, op wire.OutPoint,
	amount btcutil.Amount) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	rd, ok := r.rounds[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownRound, id)
	}
	rd.inputs[op] = amount

	spenders, ok := r.spenders[op]
	if !ok {
		spenders = make(map[chainhash.Hash]struct{})
		r.spenders[op] = spenders
	}
	spenders[id] = struct{}{}

	return nil
}

// RemoveInput unregisters an input from a round.  It is a no-op when the
// input is not registered.
func (r *Registry) RemoveInput(id chainhash.Hash, op wire.OutPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rd, ok := r.rounds[id]; ok {
		delete(rd.inputs, op)
	}
	r.unindex(id, op)
}

// unindex removes a round from the spenders of an outpoint.
//
// NOTE: The caller must hold the write lock.
func (r *Registry) unindex(id chainhash.Hash, op wire.OutPoint) {
	spenders, ok := r.spenders[op]
	if !ok {
		return
	}
	delete(spenders, id)
	if len(spenders) == 0 {
		delete(r.spenders, op)
	}
}

// Remove drops a finished round from the registry.
func (r *Registry) Remove(id chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(id)
}

// remove drops a round and its input index entries.
//
// NOTE: The caller must hold the write lock.
func (r *Registry) remove(id chainhash.Hash) bool {
	rd, ok := r.rounds[id]
	if !ok {
		return false
	}
	for op := range rd.inputs {
		r.unindex(id, op)
	}
	delete(r.rounds, id)
	return true
}

// Active returns the ids of the active rounds in a stable order.
func (r *Registry) Active() []chainhash.Hash {
	r.mu.RLock()
	ids := make([]chainhash.Hash, 0, len(r.rounds))
	for id := range r.rounds {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// FeeRate returns the fee rate advertised by an active round.
func (r *Registry) FeeRate(id chainhash.Hash) (unit.SatPerKVByte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, ok := r.rounds[id]
	if !ok {
		return 0, false
	}
	return rd.feeRate, true
}

// RoundsSpending returns every active round that has any of the outpoints
// registered as an input.
func (r *Registry) RoundsSpending(ops []wire.OutPoint) []Disrupted {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRound := make(map[chainhash.Hash]*Disrupted)
	var order []chainhash.Hash
	for _, op := range ops {
		for id := range r.spenders[op] {
			rd := r.rounds[id]
			d, ok := byRound[id]
			if !ok {
				d = &Disrupted{
					ID:      id,
					FeeRate: rd.feeRate,
					Inputs: make(
						map[wire.OutPoint]btcutil.Amount,
					),
				}
				byRound[id] = d
				order = append(order, id)
			}
			d.Inputs[op] = rd.inputs[op]
		}
	}

	disrupted := make([]Disrupted, 0, len(order))
	for _, id := range order {
		disrupted = append(disrupted, *byRound[id])
	}
	return disrupted
}

// Abort ends an active round.  It returns false when the round is not
// active, for example because it was already aborted.
func (r *Registry) Abort(id chainhash.Hash, reason string) bool {
	r.mu.Lock()
	aborted := r.remove(id)
	r.mu.Unlock()

	if !aborted {
		return false
	}

	log.Infof("Round %v aborted: %s", id, reason)

	if r.onAbort != nil {
		r.onAbort(id, reason)
	}
	return true
}
