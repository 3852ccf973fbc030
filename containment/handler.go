// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package containment

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
)

// Events delivers the blocks and transactions seen by the backend.
type Events interface {
	BlockNotifications() <-chan *wire.MsgBlock
	TxNotifications() <-chan *wire.MsgTx
}

// Handler runs the containment workflows on every block and transaction
// delivered by an Events source.
type Handler struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	containment *Containment
	events      Events

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(c *Containment, events Events) *Handler {
	return &Handler{
		containment: c,
		events:      events,
		quit:        make(chan struct{}),
	}
}

// Start launches the notification handler.
func (h *Handler) Start() {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return
	}

	h.wg.Add(1)
	go h.handleNotifications()
}

// Stop halts the notification handler and waits for it to exit.
func (h *Handler) Stop() {
	if !atomic.CompareAndSwapInt32(&h.stopped, 0, 1) {
		return
	}

	close(h.quit)
	h.wg.Wait()
}

// handleNotifications dispatches blocks and transactions until the handler
// is stopped or the source closes its channels.
//
// NOTE: This MUST be run as a goroutine.
func (h *Handler) handleNotifications() {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	blocks := h.events.BlockNotifications()
	txs := h.events.TxNotifications()
	for blocks != nil || txs != nil {
		select {
		case block, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			hash := block.BlockHash()
			n, err := h.containment.BanDescendants(block)
			if err != nil {
				log.Errorf("Unable to process block %v: %v",
					hash, err)
			}
			log.Debugf("Processed block %v, %d outputs inherited "+
				"a ban", hash, n)

		case tx, ok := <-txs:
			if !ok {
				txs = nil
				continue
			}
			_, err := h.containment.BanDoubleSpenders(ctx, tx)
			if err != nil {
				log.Errorf("Unable to process transaction "+
					"%v: %v", tx.TxHash(), err)
			}

		case <-h.quit:
			return
		}
	}

	log.Infof("Notification source closed, containment handler exiting")
}
