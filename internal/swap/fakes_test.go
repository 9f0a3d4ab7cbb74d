package swap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
)

// fakeDB records every persisted state in insertion order, so tests can
// assert both the latest state and the transition history.
type fakeDB struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]dbEntry
}

type dbEntry struct {
	role Role
	name string
	blob []byte
}

func newFakeDB() *fakeDB {
	return &fakeDB{entries: map[uuid.UUID][]dbEntry{}}
}

func (d *fakeDB) InsertLatestState(swapID uuid.UUID, role Role, stateName string, state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[swapID] = append(d.entries[swapID], dbEntry{role, stateName, state})
	return nil
}

func (d *fakeDB) GetState(swapID uuid.UUID) (string, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.entries[swapID]
	if len(entries) == 0 {
		return "", nil, ErrSwapNotFound
	}
	last := entries[len(entries)-1]
	return last.name, last.blob, nil
}

func (d *fakeDB) history(swapID uuid.UUID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, e := range d.entries[swapID] {
		names = append(names, e.name)
	}
	return names
}

// fakeChain is an in-memory Bitcoin chain shared by both parties. A
// broadcast transaction is immediately seen with broadcastConfs
// confirmations; tests raise depths with setConfs to fire timelocks.
// Conflicting spends of the same outpoint are rejected like a real
// mempool would.
type fakeChain struct {
	mu             sync.Mutex
	net            *chaincfg.Params
	height         bitcoin.BlockHeight
	broadcastConfs uint64

	txs    map[chainhash.Hash]*wire.MsgTx
	confs  map[chainhash.Hash]uint64
	spent  map[wire.OutPoint]chainhash.Hash
	labels map[chainhash.Hash]string

	fundCounter uint32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		net:            &chaincfg.RegressionNetParams,
		height:         500,
		broadcastConfs: 1,
		txs:            map[chainhash.Hash]*wire.MsgTx{},
		confs:          map[chainhash.Hash]uint64{},
		spent:          map[wire.OutPoint]chainhash.Hash{},
		labels:         map[chainhash.Hash]string{},
	}
}

func (c *fakeChain) Network() *chaincfg.Params { return c.net }

func (c *fakeChain) Height(ctx context.Context) (bitcoin.BlockHeight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) FundLockTransaction(ctx context.Context, script []byte, amount, fee btcutil.Amount) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundCounter++

	var prev chainhash.Hash
	binary.LittleEndian.PutUint32(prev[:4], c.fundCounter)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev, Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	return tx, nil
}

func (c *fakeChain) Broadcast(ctx context.Context, tx *wire.MsgTx, label string) (chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	if _, known := c.txs[txid]; known {
		return txid, nil
	}
	for _, in := range tx.TxIn {
		if by, taken := c.spent[in.PreviousOutPoint]; taken && by != txid {
			return chainhash.Hash{}, fmt.Errorf("output %v already spent by %v", in.PreviousOutPoint, by)
		}
	}
	for _, in := range tx.TxIn {
		c.spent[in.PreviousOutPoint] = txid
	}
	c.txs[txid] = tx
	c.confs[txid] = c.broadcastConfs
	c.labels[txid] = label
	return txid, nil
}

func (c *fakeChain) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs[txid], nil
}

func (c *fakeChain) StatusOfScript(ctx context.Context, w bitcoin.Watchable) (bitcoin.ScriptStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	confs, seen := c.confs[w.Txid()]
	return bitcoin.ScriptStatus{Seen: seen, Confirmations: confs}, nil
}

func (c *fakeChain) Subscribe(ctx context.Context, w bitcoin.Watchable) (bitcoin.Subscription, error) {
	return &fakeSub{chain: c, txid: w.Txid()}, nil
}

func (c *fakeChain) NewAddress(ctx context.Context) (btcutil.Address, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, c.net)
}

func (c *fakeChain) setConfs(txid chainhash.Hash, confs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confs[txid] = confs
}

func (c *fakeChain) label(txid chainhash.Hash) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels[txid]
}

type fakeSub struct {
	chain *fakeChain
	txid  chainhash.Hash
}

func (s *fakeSub) wait(ctx context.Context, done func(uint64, bool) bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		s.chain.mu.Lock()
		confs, seen := s.chain.confs[s.txid]
		s.chain.mu.Unlock()
		if done(confs, seen) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *fakeSub) WaitUntilSeen(ctx context.Context) error {
	return s.wait(ctx, func(_ uint64, seen bool) bool { return seen })
}

func (s *fakeSub) WaitUntilConfirmedWithDepth(ctx context.Context, depth uint64) error {
	return s.wait(ctx, func(confs uint64, seen bool) bool { return seen && confs >= depth })
}

// xmrLedger is the shared Monero chain state both parties' fake wallets
// observe.
type xmrLedger struct {
	mu           sync.Mutex
	height       monero.BlockHeight
	lockedAmount monero.Amount
	lockedDest   monero.Address
	proof        monero.TransferProof
	sweeps       []xmrSweep
}

type xmrSweep struct {
	spend *monero.PrivateSpendKey
	view  *monero.PrivateViewKey
	dest  monero.Address
}

func newXmrLedger() *xmrLedger {
	return &xmrLedger{height: 100}
}

func (l *xmrLedger) locked() monero.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedAmount
}

func (l *xmrLedger) sweptKeys() []xmrSweep {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]xmrSweep, len(l.sweeps))
	copy(out, l.sweeps)
	return out
}

// fakeMonero is one party's view of the shared ledger. lockDelta makes
// the locking party lock the wrong amount; checkAmount controls whether
// the scanning party enforces strict amount equality.
type fakeMonero struct {
	ledger      *xmrLedger
	lockDelta   int64
	checkAmount bool
}

func newFakeMonero(ledger *xmrLedger) *fakeMonero {
	return &fakeMonero{ledger: ledger, checkAmount: true}
}

func (m *fakeMonero) Height(ctx context.Context) (monero.BlockHeight, error) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	return m.ledger.height, nil
}

func (m *fakeMonero) Lock(ctx context.Context, dest monero.Address, amount monero.Amount, tip *monero.TipSplit) (*monero.LockResult, error) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	m.ledger.lockedDest = dest
	m.ledger.lockedAmount = monero.Amount(int64(amount) + m.lockDelta)
	m.ledger.proof = monero.TransferProof{TxHash: "f00dbeef", TxKey: []byte{1, 2, 3, 4}}
	return &monero.LockResult{Proof: m.ledger.proof, Height: m.ledger.height + 1}, nil
}

func (m *fakeMonero) WatchForLockTransfer(ctx context.Context, pair monero.ViewPair, amount monero.Amount, restoreHeight monero.BlockHeight, confirmations uint64) (*monero.TransferProof, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		m.ledger.mu.Lock()
		locked := m.ledger.lockedAmount
		proof := m.ledger.proof
		m.ledger.mu.Unlock()
		if locked != 0 {
			if m.checkAmount && locked != amount {
				return nil, fmt.Errorf("%w: got %d, want %d", monero.ErrLockAmountMismatch, locked, amount)
			}
			return &proof, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *fakeMonero) SweepJointOutput(ctx context.Context, spend *monero.PrivateSpendKey, view *monero.PrivateViewKey, restoreHeight monero.BlockHeight, dest monero.Address) ([]string, error) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	m.ledger.sweeps = append(m.ledger.sweeps, xmrSweep{spend: spend, view: view, dest: dest})
	return []string{"sweep0"}, nil
}

// pipe wires the post-setup sub-protocols of both machines directly. The
// channels are buffered so neither side blocks when the other has moved
// to a different branch.
type pipe struct {
	transferProofs chan TransferProofRequest
	encsigs        chan EncryptedSignatureRequest
	coop           func(CooperativeRedeemRequest) CooperativeRedeemResponse
}

func newPipe() *pipe {
	return &pipe{
		transferProofs: make(chan TransferProofRequest, 1),
		encsigs:        make(chan EncryptedSignatureRequest, 1),
	}
}

type makerPipe struct{ p *pipe }

func (h makerPipe) SendTransferProof(ctx context.Context, req TransferProofRequest) error {
	select {
	case h.p.transferProofs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h makerPipe) ReceiveEncryptedSignature(ctx context.Context) (EncryptedSignatureRequest, error) {
	select {
	case req := <-h.p.encsigs:
		return req, nil
	case <-ctx.Done():
		return EncryptedSignatureRequest{}, ctx.Err()
	}
}

type takerPipe struct{ p *pipe }

func (h takerPipe) SendEncryptedSignature(ctx context.Context, req EncryptedSignatureRequest) error {
	select {
	case h.p.encsigs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h takerPipe) ReceiveTransferProof(ctx context.Context) (TransferProofRequest, error) {
	select {
	case req := <-h.p.transferProofs:
		return req, nil
	case <-ctx.Done():
		return TransferProofRequest{}, ctx.Err()
	}
}

func (h takerPipe) RequestCooperativeRedeem(ctx context.Context, req CooperativeRedeemRequest) (CooperativeRedeemResponse, error) {
	if h.p.coop == nil {
		return CooperativeRedeemResponse{}, fmt.Errorf("maker unreachable")
	}
	return h.p.coop(req), nil
}

// directSetup runs the setup handshake by calling the maker's handlers
// in-process.
type directSetup struct {
	maker   *Maker
	network BlockchainNetwork
}

func (s directSetup) RequestSpotPrice(ctx context.Context, req SpotPriceRequest) (SpotPriceResponse, error) {
	return s.maker.HandleSpotPrice(ctx, req, s.network), nil
}

func (s directSetup) SendMessage0(ctx context.Context, msg Message0) (Message1, error) {
	resp, err := s.maker.HandleMessage0(ctx, msg)
	if err != nil {
		return Message1{}, err
	}
	return *resp, nil
}

func (s directSetup) SendMessage2(ctx context.Context, msg Message2) (Message3, error) {
	resp, err := s.maker.HandleMessage2(msg)
	if err != nil {
		return Message3{}, err
	}
	return *resp, nil
}

func (s directSetup) SendMessage4(ctx context.Context, msg Message4) error {
	return s.maker.HandleMessage4(msg)
}

// fixedRate is a RateSource pinned to one price.
type fixedRate monero.Amount

func (r fixedRate) LatestRate() (monero.Amount, error) { return monero.Amount(r), nil }

func testMoneroAddress() monero.Address {
	spend, err := monero.NewRandomPrivateViewKey()
	if err != nil {
		panic(err)
	}
	view, err := monero.NewRandomPrivateViewKey()
	if err != nil {
		panic(err)
	}
	addr, err := monero.NewAddress(monero.NetworkStagenet, spend.Public(), view.Public())
	if err != nil {
		panic(err)
	}
	return addr
}
