// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/container/lru"
	"github.com/lightninglabs/gozmq"
)

const (
	// rawBlockZMQCommand is the command used to receive raw block
	// notifications from bitcoind through ZMQ.
	rawBlockZMQCommand = "rawblock"

	// rawTxZMQCommand is the command used to receive raw transaction
	// notifications from bitcoind through ZMQ.
	rawTxZMQCommand = "rawtx"

	// maxRawBlockSize is the maximum size in bytes for a raw block received
	// from bitcoind through ZMQ.
	maxRawBlockSize = 4e6

	// maxRawTxSize is the maximum size in bytes for a raw transaction
	// received from bitcoind through ZMQ.
	maxRawTxSize = maxRawBlockSize

	// seqNumLen is the length of the sequence number of a message sent from
	// bitcoind through ZMQ.
	seqNumLen = 4

	// DefaultMempoolPollInterval is how often the mempool is polled for
	// transactions the ZMQ feed dropped.
	DefaultMempoolPollInterval = time.Minute

	// DefaultSeenTxLimit is the number of transaction ids remembered to
	// avoid notifying the same transaction twice.
	DefaultSeenTxLimit = 200_000
)

// zmqConn is a subscribed ZMQ socket.
type zmqConn interface {
	Receive(bufs [][]byte) ([][]byte, error)
	Close() error
	RemoteAddr() net.Addr
}

// MempoolClient is the part of the RPC client the mempool poller uses.
type MempoolClient interface {
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
}

// ZMQConfig holds all the config values needed to set up a ZMQ connection to
// bitcoind.
type ZMQConfig struct {
	// BlockHost is the address of bitcoind's rawblock publisher.
	BlockHost string

	// TxHost is the address of bitcoind's rawtx publisher.
	TxHost string

	// ReadDeadline is the read deadline applied to both subscriptions.
	ReadDeadline time.Duration

	// MempoolPollInterval is the base interval of the mempool poller.
	// Zero disables polling.
	MempoolPollInterval time.Duration

	// PollingIntervalJitter scales the poll interval randomly by up to
	// this factor in either direction.
	PollingIntervalJitter float64

	// SeenTxLimit bounds the number of transaction ids remembered.
	SeenTxLimit uint32
}

// ZMQEvents delivers the blocks and transactions bitcoind publishes over ZMQ.
// Transactions are delivered at most once while they are remembered, whether
// they came from the feed or from the mempool poller.
type ZMQEvents struct {
	cfg ZMQConfig

	blockConn zmqConn
	txConn    zmqConn
	client    MempoolClient

	blockNtfns chan *wire.MsgBlock
	txNtfns    chan *wire.MsgTx

	// seenMtx guards seen.  The set is safe for concurrent use but the
	// check and insert must happen together.
	seenMtx sync.Mutex
	seen    *lru.Set[chainhash.Hash]

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewZMQEvents subscribes to bitcoind's block and transaction publishers.
// client is used to poll the mempool and may be nil.
func NewZMQEvents(cfg ZMQConfig, client MempoolClient) (*ZMQEvents, error) {
	// Two connections keep one type of event from crowding out the other.
	blockConn, err := gozmq.Subscribe(
		cfg.BlockHost, []string{rawBlockZMQCommand}, cfg.ReadDeadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	txConn, err := gozmq.Subscribe(
		cfg.TxHost, []string{rawTxZMQCommand}, cfg.ReadDeadline,
	)
	if err != nil {
		if err := blockConn.Close(); err != nil {
			log.Errorf("Could not close zmq block conn: %v", err)
		}

		return nil, fmt.Errorf("unable to subscribe for zmq tx "+
			"events: %w", err)
	}

	return newZMQEvents(cfg, blockConn, txConn, client), nil
}

func newZMQEvents(cfg ZMQConfig, blockConn, txConn zmqConn,
	client MempoolClient) *ZMQEvents {

	if cfg.SeenTxLimit == 0 {
		cfg.SeenTxLimit = DefaultSeenTxLimit
	}
	if cfg.PollingIntervalJitter < 0 {
		log.Warnf("Jitter value(%v) must be positive, setting to 0",
			cfg.PollingIntervalJitter)
		cfg.PollingIntervalJitter = 0
	}

	return &ZMQEvents{
		cfg:        cfg,
		blockConn:  blockConn,
		txConn:     txConn,
		client:     client,
		blockNtfns: make(chan *wire.MsgBlock),
		txNtfns:    make(chan *wire.MsgTx),
		seen:       lru.NewSet[chainhash.Hash](cfg.SeenTxLimit),
		quit:       make(chan struct{}),
	}
}

// Start loads the current mempool as already seen and launches the event
// handlers.
func (z *ZMQEvents) Start() error {
	polling := z.client != nil && z.cfg.MempoolPollInterval > 0
	if polling {
		if err := z.loadMempool(); err != nil {
			return err
		}
	}

	z.wg.Add(2)
	go z.eventHandler(z.blockConn, rawBlockZMQCommand, maxRawBlockSize,
		z.handleBlock)
	go z.eventHandler(z.txConn, rawTxZMQCommand, maxRawTxSize,
		z.handleTx)

	if polling {
		z.wg.Add(1)
		go z.mempoolPoller()
	}

	return nil
}

// Stop closes the subscriptions and waits for the handlers to exit.
func (z *ZMQEvents) Stop() error {
	var returnErr error
	if err := z.txConn.Close(); err != nil {
		returnErr = err
	}
	if err := z.blockConn.Close(); err != nil {
		returnErr = err
	}

	close(z.quit)
	z.wg.Wait()

	return returnErr
}

// BlockNotifications returns a channel which will deliver new blocks.
func (z *ZMQEvents) BlockNotifications() <-chan *wire.MsgBlock {
	return z.blockNtfns
}

// TxNotifications returns a channel which will deliver new transactions.
func (z *ZMQEvents) TxNotifications() <-chan *wire.MsgTx {
	return z.txNtfns
}

// markSeen records the transaction id.  It returns false if it was already
// recorded.
func (z *ZMQEvents) markSeen(txid chainhash.Hash) bool {
	z.seenMtx.Lock()
	defer z.seenMtx.Unlock()

	if z.seen.Contains(txid) {
		return false
	}
	z.seen.Put(txid)
	return true
}

// eventHandler reads the events of one subscription and hands the payload
// of each to handle until the connection is closed.  handle returns false
// when the events should stop.
//
// NOTE: This MUST be run as a goroutine.
func (z *ZMQEvents) eventHandler(conn zmqConn, command string, maxSize int,
	handle func(payload []byte) bool) {

	defer z.wg.Done()

	log.Infof("Started listening for bitcoind %s notifications via ZMQ "+
		"on %v", command, conn.RemoteAddr())

	// Messages carry the command, the payload and a sequence number.  The
	// payload buffer is reused, further reads overwrite it.
	var (
		cmd    = make([]byte, len(command))
		seqNum [seqNumLen]byte
		data   = make([]byte, maxSize)
	)

	for {
		select {
		case <-z.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{cmd, data, seqNum[:]})
		if err != nil {
			// EOF is only returned once the connection was
			// closed.
			if errors.Is(err, io.EOF) {
				return
			}

			// Read deadlines expire continuously on a quiet
			// socket.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Tracef("Re-establishing timed out ZMQ %s "+
					"connection", command)
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				command, err)
			continue
		}

		eventType := string(bufs[0])
		if eventType != command {
			// A message cut short by a bitcoind shutdown has an
			// unreadable event type.
			if eventType != "" && isASCII(eventType) {
				log.Warnf("Received unexpected event type "+
					"from %v subscription: %v", command,
					eventType)
			}
			continue
		}

		if len(bufs) < 2 {
			continue
		}
		if !handle(bufs[1]) {
			return
		}
	}
}

// handleBlock delivers a raw block.  Transactions of the block that never
// reached the mempool are delivered first, as if they had.
func (z *ZMQEvents) handleBlock(payload []byte) bool {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(payload)); err != nil {
		log.Errorf("Unable to deserialize block: %v", err)
		return true
	}

	// The first transaction is the coinbase, it spends nothing.
	for i, tx := range block.Transactions {
		if i == 0 {
			z.markSeen(tx.TxHash())
			continue
		}
		if !z.notifyTx(tx) {
			return false
		}
	}

	select {
	case z.blockNtfns <- block:
		return true
	case <-z.quit:
		return false
	}
}

// handleTx delivers a raw transaction unless it was seen before.
func (z *ZMQEvents) handleTx(payload []byte) bool {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(payload)); err != nil {
		log.Errorf("Unable to deserialize transaction: %v", err)
		return true
	}

	return z.notifyTx(tx)
}

// notifyTx sends a transaction seen for the first time.
func (z *ZMQEvents) notifyTx(tx *wire.MsgTx) bool {
	if !z.markSeen(tx.TxHash()) {
		return true
	}

	select {
	case z.txNtfns <- tx:
		return true
	case <-z.quit:
		return false
	}
}

// mempoolPoller periodically fetches the mempool and delivers the
// transactions the ZMQ feed dropped.
//
// NOTE: This MUST be run as a goroutine.
func (z *ZMQEvents) mempoolPoller() {
	defer z.wg.Done()

	log.Info("Started polling mempool for missed transactions")

	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	next := func() time.Duration {
		return jitteredInterval(
			rng, z.cfg.MempoolPollInterval,
			z.cfg.PollingIntervalJitter,
		)
	}

	timer := time.NewTimer(next())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if !z.pollMempool() {
				return
			}
			timer.Reset(next())

		case <-z.quit:
			return
		}
	}
}

// pollMempool delivers the mempool transactions not seen yet.  It returns
// false when the events are stopping.
func (z *ZMQEvents) pollMempool() bool {
	txids, err := z.client.GetRawMempool()
	if err != nil {
		log.Errorf("Unable to retrieve mempool txs: %v", err)
		return true
	}

	for _, txid := range txids {
		z.seenMtx.Lock()
		seen := z.seen.Contains(*txid)
		z.seenMtx.Unlock()
		if seen {
			continue
		}

		tx, err := z.client.GetRawTransaction(txid)
		if err != nil {
			// Not marked, the next poll retries it.
			log.Debugf("Unable to fetch mempool transaction %v: %v",
				txid, err)
			continue
		}

		if !z.notifyTx(tx.MsgTx()) {
			return false
		}
	}

	return true
}

// loadMempool marks every transaction currently in the mempool as seen.
func (z *ZMQEvents) loadMempool() error {
	txids, err := z.client.GetRawMempool()
	if err != nil {
		return fmt.Errorf("unable to get raw mempool txs: %w", err)
	}

	for _, txid := range txids {
		z.markSeen(*txid)
	}

	log.Debugf("Marked %d mempool transactions as seen", len(txids))

	return nil
}

// isASCII is a helper method that checks whether all bytes in `data` would be
// printable ASCII characters if interpreted as a string.
func isASCII(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
