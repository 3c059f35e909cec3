// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/wstore"
)

// failingTx fails every storage query.  Test transaction types embed it and
// override only the queries their handler is expected to run, so an
// unexpected query surfaces as a test failure instead of silently passing.
type failingTx struct{}

func errUnexpected(name string) error {
	return errors.New("unexpected storage query " + name)
}

func (failingTx) Account(string) (*wstore.Account, error) {
	return nil, errUnexpected("Account")
}

func (failingTx) Accounts(wstore.Page) ([]wstore.Account, int, error) {
	return nil, 0, errUnexpected("Accounts")
}

func (failingTx) NewAccount(*wstore.AccountSpec) (*wstore.Account, string, error) {
	return nil, "", errUnexpected("NewAccount")
}

func (failingTx) RenameAccount(string, string) (*wstore.Account, error) {
	return nil, errUnexpected("RenameAccount")
}

func (failingTx) AddAccountKeys(string, []*hdkeychain.ExtendedKey) (*wstore.Account, error) {
	return nil, errUnexpected("AddAccountKeys")
}

func (failingTx) SetAccountGap(string, uint32) (*wstore.Account, error) {
	return nil, errUnexpected("SetAccountGap")
}

func (failingTx) Addresses(string, wstore.Branch, wstore.Page) ([]wstore.Address, int, error) {
	return nil, 0, errUnexpected("Addresses")
}

func (failingTx) UnusedAddresses(string, wstore.Branch, wstore.Page) ([]wstore.Address, int, error) {
	return nil, 0, errUnexpected("UnusedAddresses")
}

func (failingTx) Address(string, uint32, wstore.Branch) (*wstore.Address, error) {
	return nil, errUnexpected("Address")
}

func (failingTx) SetAddressLabel(string, uint32, wstore.Branch, string) (*wstore.Address, error) {
	return nil, errUnexpected("SetAddressLabel")
}

func (failingTx) GenerateAddresses(string, wstore.Branch, uint32) (int, []wstore.Address, error) {
	return 0, nil, errUnexpected("GenerateAddresses")
}

func (failingTx) AddressBalances(string, wstore.Branch, wstore.Page, int32, bool) ([]wstore.AddressBalance, error) {
	return nil, errUnexpected("AddressBalances")
}

func (failingTx) Txs(string, wstore.Page) ([]wstore.TxInfo, int, error) {
	return nil, 0, errUnexpected("Txs")
}

func (failingTx) AddrTxs(string, uint32, wstore.Branch, wstore.Page) ([]wstore.TxInfo, int, error) {
	return nil, 0, errUnexpected("AddrTxs")
}

func (failingTx) Tx(string, *chainhash.Hash) (*wstore.TxInfo, error) {
	return nil, errUnexpected("Tx")
}

func (failingTx) DeleteTx(string, *chainhash.Hash) error {
	return errUnexpected("DeleteTx")
}

func (failingTx) Balance(string, int32, bool) (btcutil.Amount, error) {
	return 0, errUnexpected("Balance")
}

func (failingTx) CreateTx(string, []wstore.Recipient, btcutil.Amount, int32, *int, bool) (*wstore.TxInfo, []wstore.Address, error) {
	return nil, nil, errUnexpected("CreateTx")
}

func (failingTx) ImportTx(string, *wire.MsgTx) (*wstore.TxInfo, []wstore.Address, error) {
	return nil, nil, errUnexpected("ImportTx")
}

func (failingTx) SignTx(string, *chainhash.Hash) (*wstore.TxInfo, []wstore.Address, error) {
	return nil, nil, errUnexpected("SignTx")
}

func (failingTx) OfflineTxData(string, *chainhash.Hash) (*wstore.OfflineTxData, error) {
	return nil, errUnexpected("OfflineTxData")
}

func (failingTx) ApplyTx(*wire.MsgTx, *wstore.BlockRef) ([]wstore.Address, error) {
	return nil, errUnexpected("ApplyTx")
}

func (failingTx) BestBlock() (*wstore.BlockRef, error) {
	return nil, errUnexpected("BestBlock")
}

func (failingTx) SetBestBlock(*wstore.BlockRef) error {
	return errUnexpected("SetBestBlock")
}

func (failingTx) AccountTxsFromHeight(string, int32) ([]wstore.TxInfo, error) {
	return nil, errUnexpected("AccountTxsFromHeight")
}

func (failingTx) FirstAddrTime() (*time.Time, error) {
	return nil, errUnexpected("FirstAddrTime")
}

func (failingTx) ResetRescan() error {
	return errUnexpected("ResetRescan")
}

func (failingTx) BloomFilter() (*bloom.Filter, error) {
	return nil, errUnexpected("BloomFilter")
}

// fakeStore runs every transaction against a fixed Tx, optionally through an
// update hook for tests that instrument the transaction lifecycle.
type fakeStore struct {
	tx     wstore.Tx
	update func(func(wstore.Tx) error) error
}

func (s *fakeStore) Update(f func(tx wstore.Tx) error) error {
	if s.update != nil {
		return s.update(f)
	}
	return f(s.tx)
}

func (s *fakeStore) Close() error { return nil }

// recordingSync records the order of synchronization-state calls.
type recordingSync struct {
	mu     sync.Mutex
	events []string

	rescanFrom time.Time
	status     *chainsvc.Status

	window      []chainsvc.BlockNode
	windowErr   error
	windowTip   chainhash.Hash
	windowStart chainhash.Hash
	windowMax   int
}

func (r *recordingSync) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSync) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSync) SendFilter(*bloom.Filter) error {
	r.record("filter")
	return nil
}

func (r *recordingSync) Broadcast([]*wire.MsgTx) error {
	r.record("broadcast")
	return nil
}

func (r *recordingSync) RestartRescan(from time.Time) error {
	r.record("rescan")
	r.mu.Lock()
	r.rescanFrom = from
	r.mu.Unlock()
	return nil
}

func (r *recordingSync) Status() (*chainsvc.Status, error) {
	r.record("status")
	return r.status, nil
}

func (r *recordingSync) BlockWindow(tip, start *chainhash.Hash, maxBlocks int) ([]chainsvc.BlockNode, error) {
	r.record("window")
	r.mu.Lock()
	r.windowTip, r.windowStart, r.windowMax = *tip, *start, maxBlocks
	r.mu.Unlock()
	return r.window, r.windowErr
}

func newTestSession(tx wstore.Tx, offline bool) (*Session, *recordingSync) {
	sync := &recordingSync{}
	var state SyncState
	if !offline {
		state = sync
	}
	s := New(Config{
		ChainParams: &chaincfg.MainNetParams,
		Offline:     offline,
	}, &fakeStore{tx: tx}, state)
	return s, sync
}

func testFilter() *bloom.Filter {
	return bloom.NewFilter(1, 0, 0.0001, wire.BloomUpdateAll)
}

func testHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

type balanceTx struct {
	failingTx
	gotOffline *bool
}

func (tx balanceTx) Balance(_ string, _ int32, offline bool) (btcutil.Amount, error) {
	if tx.gotOffline != nil {
		*tx.gotOffline = offline
	}
	return 42, nil
}

func TestStorageConcurrencyBound(t *testing.T) {
	t.Parallel()

	const (
		slots   = 3
		callers = 12
	)
	entered := make(chan struct{}, callers)
	release := make(chan struct{})
	store := &fakeStore{update: func(f func(wstore.Tx) error) error {
		entered <- struct{}{}
		<-release
		return f(balanceTx{})
	}}
	s := New(Config{
		ChainParams: &chaincfg.MainNetParams,
		StorageOps:  slots,
	}, store, nil)

	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Balance(context.Background(), "default", 1)
			errs <- err
		}()
	}

	// Exactly slots transactions may start; any further caller must be
	// queued on the guard rather than inside the store.
	for i := 0; i < slots; i++ {
		<-entered
	}
	select {
	case <-entered:
		t.Fatal("more concurrent storage transactions than configured slots")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestStorageGuardHonorsContext(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	store := &fakeStore{update: func(f func(wstore.Tx) error) error {
		close(entered)
		<-release
		return f(balanceTx{})
	}}
	s := New(Config{
		ChainParams: &chaincfg.MainNetParams,
		StorageOps:  1,
	}, store, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Balance(context.Background(), "default", 1)
		done <- err
	}()
	<-entered

	// The single slot is held, so a canceled caller must fail on the
	// guard without reaching the store.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Balance(ctx, "default", 1)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
}

func TestDefaultStorageOps(t *testing.T) {
	t.Parallel()

	s := New(Config{ChainParams: &chaincfg.MainNetParams}, &fakeStore{}, nil)
	require.Equal(t, int64(DefaultStorageOps), s.cfg.StorageOps)
}

func TestBalanceOfflinePolicy(t *testing.T) {
	t.Parallel()

	for _, offline := range []bool{false, true} {
		var gotOffline bool
		s, _ := newTestSession(balanceTx{gotOffline: &gotOffline}, offline)
		_, err := s.Balance(context.Background(), "default", 1)
		require.NoError(t, err)
		require.Equal(t, offline, gotOffline)
	}
}

type newAccountTx struct {
	failingTx
	acct        *wstore.Account
	filterCalls *int
}

func (tx newAccountTx) NewAccount(*wstore.AccountSpec) (*wstore.Account, string, error) {
	return tx.acct, "fake recovery phrase", nil
}

func (tx newAccountTx) BloomFilter() (*bloom.Filter, error) {
	*tx.filterCalls++
	return testFilter(), nil
}

func TestNewAccountFilterRefresh(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		acct        *wstore.Account
		wantRefresh bool
	}{{
		name:        "complete account watches immediately",
		acct:        &wstore.Account{Name: "a", Type: wstore.AccountRegular},
		wantRefresh: true,
	}, {
		name: "incomplete multisig defers watching",
		acct: &wstore.Account{
			Name:      "shared",
			Type:      wstore.AccountMultisig,
			TotalKeys: 3,
		},
		wantRefresh: false,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var filterCalls int
			s, sync := newTestSession(newAccountTx{
				acct:        test.acct,
				filterCalls: &filterCalls,
			}, false)

			acct, phrase, err := s.NewAccount(context.Background(),
				&wstore.AccountSpec{Name: test.acct.Name})
			require.NoError(t, err)
			require.Equal(t, test.acct, acct)
			require.NotEmpty(t, phrase)

			if test.wantRefresh {
				require.Equal(t, 1, filterCalls)
				require.Equal(t, []string{"filter"}, sync.eventLog())
			} else {
				require.Zero(t, filterCalls)
				require.Empty(t, sync.eventLog())
			}
		})
	}
}

type gapTx struct {
	failingTx
	acct *wstore.Account
}

func (tx gapTx) SetAccountGap(string, uint32) (*wstore.Account, error) {
	return tx.acct, nil
}

func (tx gapTx) BloomFilter() (*bloom.Filter, error) {
	return testFilter(), nil
}

func TestSetAccountGapAlwaysRefreshes(t *testing.T) {
	t.Parallel()

	s, sync := newTestSession(gapTx{
		acct: &wstore.Account{Name: "a", Gap: 40},
	}, false)
	acct, err := s.SetAccountGap(context.Background(), "a", 40)
	require.NoError(t, err)
	require.Equal(t, uint32(40), acct.Gap)
	require.Equal(t, []string{"filter"}, sync.eventLog())
}

type txActionTx struct {
	failingTx
	info     *wstore.TxInfo
	newAddrs []wstore.Address
}

func (tx txActionTx) ImportTx(string, *wire.MsgTx) (*wstore.TxInfo, []wstore.Address, error) {
	return tx.info, tx.newAddrs, nil
}

func (tx txActionTx) BloomFilter() (*bloom.Filter, error) {
	return testFilter(), nil
}

func TestTxActionProtocol(t *testing.T) {
	t.Parallel()

	confirmedHash := testHash(1)
	tests := []struct {
		name       string
		confidence wstore.TxConfidence
		newAddrs   []wstore.Address
		wantEvents []string
	}{{
		name:       "pending with new addresses refreshes then broadcasts",
		confidence: wstore.TxPending,
		newAddrs:   []wstore.Address{{Account: "a", Index: 5}},
		wantEvents: []string{"filter", "broadcast"},
	}, {
		name:       "pending without new addresses only broadcasts",
		confidence: wstore.TxPending,
		wantEvents: []string{"broadcast"},
	}, {
		name:       "confirmed with new addresses only refreshes",
		confidence: wstore.TxConfirmed,
		newAddrs:   []wstore.Address{{Account: "a", Index: 5}},
		wantEvents: []string{"filter"},
	}, {
		name:       "confirmed without new addresses does nothing",
		confidence: wstore.TxConfirmed,
		wantEvents: nil,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			info := &wstore.TxInfo{
				Tx:         wire.NewMsgTx(wire.TxVersion),
				Confidence: test.confidence,
			}
			if test.confidence == wstore.TxConfirmed {
				info.BlockHash = &confirmedHash
				info.BlockHeight = 100
			}
			s, sync := newTestSession(txActionTx{
				info:     info,
				newAddrs: test.newAddrs,
			}, false)

			got, err := s.TxAction(context.Background(), "a",
				&ImportTx{Tx: wire.NewMsgTx(wire.TxVersion)})
			require.NoError(t, err)
			require.Equal(t, info, got)
			require.Equal(t, test.wantEvents, sync.eventLog())
		})
	}
}

func TestTxActionOffline(t *testing.T) {
	t.Parallel()

	info := &wstore.TxInfo{
		Tx:         wire.NewMsgTx(wire.TxVersion),
		Confidence: wstore.TxPending,
	}
	s, _ := newTestSession(txActionTx{
		info:     info,
		newAddrs: []wstore.Address{{Account: "a", Index: 1}},
	}, true)

	// An offline session still records the transaction but must not
	// reach for the missing sync handle.
	got, err := s.TxAction(context.Background(), "a",
		&ImportTx{Tx: wire.NewMsgTx(wire.TxVersion)})
	require.NoError(t, err)
	require.Equal(t, info, got)
}

type rescanTx struct {
	failingTx
	first  *time.Time
	resets *int
}

func (tx rescanTx) FirstAddrTime() (*time.Time, error) {
	return tx.first, nil
}

func (tx rescanTx) ResetRescan() error {
	*tx.resets++
	return nil
}

func TestRescan(t *testing.T) {
	t.Parallel()

	explicit := time.Unix(1450000000, 0)
	firstAddr := time.Unix(1440000000, 0)

	tests := []struct {
		name     string
		explicit *time.Time
		first    *time.Time
		want     time.Time
		wantErr  bool
	}{{
		name:     "explicit time wins",
		explicit: &explicit,
		want:     explicit.Add(-rescanSafetyMargin),
	}, {
		name:  "derived from earliest address",
		first: &firstAddr,
		want:  firstAddr.Add(-rescanSafetyMargin),
	}, {
		name:    "no addresses is a domain error",
		wantErr: true,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var resets int
			s, sync := newTestSession(rescanTx{
				first:  test.first,
				resets: &resets,
			}, false)

			res, err := s.NodeAction(context.Background(),
				&Rescan{From: test.explicit})
			if test.wantErr {
				var domainErr DomainError
				require.ErrorAs(t, err, &domainErr)
				require.Empty(t, sync.eventLog())
				require.Zero(t, resets)
				return
			}
			require.NoError(t, err)
			require.Equal(t, &RescanResult{From: test.want}, res)
			require.Equal(t, 1, resets)
			require.Equal(t, []string{"rescan"}, sync.eventLog())
			require.Equal(t, test.want, sync.rescanFrom)
		})
	}
}

type statusTx struct {
	failingTx
	best    *wstore.BlockRef
	bestErr error
}

func (tx statusTx) BestBlock() (*wstore.BlockRef, error) {
	return tx.best, tx.bestErr
}

func TestNodeStatus(t *testing.T) {
	t.Parallel()

	best := &wstore.BlockRef{Hash: testHash(9), Height: 1234}
	chainStatus := &chainsvc.Status{
		BestHash:   testHash(7),
		BestHeight: 1250,
		Peers:      1,
		Synced:     true,
	}

	tests := []struct {
		name    string
		tx      statusTx
		want    *wstore.BlockRef
	}{{
		name: "wallet block included",
		tx:   statusTx{best: best},
		want: best,
	}, {
		name: "storage fault degrades the wallet block",
		tx:   statusTx{bestErr: wstore.StorageError{Desc: "db offline"}},
		want: nil,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, sync := newTestSession(test.tx, false)
			sync.status = chainStatus

			res, err := s.NodeAction(context.Background(), &Status{})
			require.NoError(t, err)
			status, ok := res.(*NodeStatus)
			require.True(t, ok)
			require.Equal(t, chainStatus, status.Chain)
			require.Equal(t, test.want, status.WalletBlock)
		})
	}
}

func TestNodeStatusWithoutSyncHandlePanics(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(statusTx{}, true)
	require.Panics(t, func() {
		s.NodeAction(context.Background(), &Status{})
	})
}

type syncBlocksTx struct {
	failingTx
	best       *wstore.BlockRef
	txs        []wstore.TxInfo
	fromHeight *int32
}

func (tx syncBlocksTx) BestBlock() (*wstore.BlockRef, error) {
	return tx.best, nil
}

func (tx syncBlocksTx) AccountTxsFromHeight(_ string, height int32) ([]wstore.TxInfo, error) {
	if tx.fromHeight != nil {
		*tx.fromHeight = height
	}
	return tx.txs, nil
}

func TestSyncBlocks(t *testing.T) {
	t.Parallel()

	tipHash := testHash(3)
	window := []chainsvc.BlockNode{
		{Hash: testHash(1), Height: 101},
		{Hash: testHash(2), Height: 102},
		{Hash: tipHash, Height: 103},
	}
	blockHash1, blockHash3 := testHash(1), testHash(3)
	txs := []wstore.TxInfo{
		{Hash: testHash(10), BlockHash: &blockHash1, BlockHeight: 101},
		{Hash: testHash(11), BlockHash: &blockHash1, BlockHeight: 101},
		{Hash: testHash(12), BlockHash: &blockHash3, BlockHeight: 103},
	}

	var fromHeight int32
	s, sync := newTestSession(syncBlocksTx{
		best:       &wstore.BlockRef{Hash: tipHash, Height: 103},
		txs:        txs,
		fromHeight: &fromHeight,
	}, false)
	sync.window = window

	start := testHash(0)
	bundles, err := s.SyncBlocks(context.Background(), "a", &start, 50)
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	// The transaction fetch starts at the oldest window block, and
	// bundles follow the window's ascending order.
	require.Equal(t, int32(101), fromHeight)
	require.Equal(t, tipHash, sync.windowTip)
	require.Equal(t, start, sync.windowStart)
	require.Equal(t, 50, sync.windowMax)

	require.Equal(t, txs[:2], bundles[0].Txs)
	require.Empty(t, bundles[1].Txs)
	require.Equal(t, txs[2:], bundles[2].Txs)
	for i, node := range window {
		require.Equal(t, node.Hash, bundles[i].Hash)
		require.Equal(t, node.Height, bundles[i].Height)
	}
}

func TestSyncBlocksAtTip(t *testing.T) {
	t.Parallel()

	tipHash := testHash(3)
	s, sync := newTestSession(syncBlocksTx{
		best: &wstore.BlockRef{Hash: tipHash, Height: 103},
	}, false)
	sync.window = nil

	bundles, err := s.SyncBlocks(context.Background(), "a", &tipHash, 0)
	require.NoError(t, err)
	require.NotNil(t, bundles)
	require.Empty(t, bundles)
}

func TestSyncBlocksUnknownStart(t *testing.T) {
	t.Parallel()

	s, sync := newTestSession(syncBlocksTx{
		best: &wstore.BlockRef{Hash: testHash(3), Height: 103},
	}, false)
	sync.windowErr = chainsvc.ErrNotAncestor

	start := testHash(200)
	_, err := s.SyncBlocks(context.Background(), "a", &start, 0)
	var domainErr DomainError
	require.ErrorAs(t, err, &domainErr)
}

type addressesTx struct {
	failingTx
	addrs    []wstore.Address
	balances []wstore.AddressBalance
	balErr   error
}

func (tx addressesTx) Addresses(string, wstore.Branch, wstore.Page) ([]wstore.Address, int, error) {
	return tx.addrs, len(tx.addrs), nil
}

func (tx addressesTx) AddressBalances(string, wstore.Branch, wstore.Page, int32, bool) ([]wstore.AddressBalance, error) {
	return tx.balances, tx.balErr
}

func TestAddressesBalancesDegrade(t *testing.T) {
	t.Parallel()

	addrs := []wstore.Address{
		{Account: "a", Index: 0},
		{Account: "a", Index: 1},
	}

	t.Run("balances attached", func(t *testing.T) {
		s, _ := newTestSession(addressesTx{
			addrs: addrs,
			balances: []wstore.AddressBalance{
				{Index: 1, Balance: 5e8},
			},
		}, false)
		got, total, err := s.Addresses(context.Background(), "a",
			wstore.BranchExternal, wstore.Page{}, 1, false)
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.False(t, got[0].HasBalance)
		require.True(t, got[1].HasBalance)
		require.Equal(t, btcutil.Amount(5e8), got[1].Balance)
	})

	t.Run("storage fault degrades to absent balances", func(t *testing.T) {
		s, _ := newTestSession(addressesTx{
			addrs:  addrs,
			balErr: wstore.StorageError{Desc: "db offline"},
		}, false)
		got, total, err := s.Addresses(context.Background(), "a",
			wstore.BranchExternal, wstore.Page{}, 1, false)
		require.NoError(t, err)
		require.Equal(t, 2, total)
		for _, a := range got {
			require.False(t, a.HasBalance)
		}
	})
}

func TestSignOfflineTxRequiresData(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(failingTx{}, true)
	_, _, err := s.SignOfflineTx(context.Background(), "a", nil,
		wire.NewMsgTx(wire.TxVersion), nil)
	var domainErr DomainError
	require.ErrorAs(t, err, &domainErr)
}
