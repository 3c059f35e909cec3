// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainsvc tracks the synchronization state shared between the
// wallet and its network peer.  All mutable state is owned by a single
// goroutine; public methods marshal a closure to that goroutine and wait for
// its reply, so callers never observe partially-applied state.
package chainsvc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrStopped is returned by every method after the service shuts
	// down.
	ErrStopped = errors.New("chain service stopped")

	// ErrUnknownBlock is returned when a block hash does not resolve in
	// the tracked header index.
	ErrUnknownBlock = errors.New("block not found in header index")

	// ErrNotAncestor is returned by BlockWindow when the requested start
	// block is not an ancestor of the tip.
	ErrNotAncestor = errors.New("start block is not an ancestor of the tip")
)

// Backend performs the network side effects requested through the service.
// The p2p node implements it.
type Backend interface {
	// SendFilter replaces the remote transaction filter.
	SendFilter(filter *bloom.Filter) error

	// Broadcast relays transactions to the network.
	Broadcast(txs []*wire.MsgTx) error

	// Rescan restarts filtered block download.  blocks is the best-chain
	// window with timestamps at or after from, ascending.  The backend
	// must not call back into the service from this method.
	Rescan(from time.Time, blocks []BlockNode) error
}

// BlockNode identifies one block of the tracked header chain.
type BlockNode struct {
	Hash   chainhash.Hash
	Height int32
	Time   time.Time
}

// Status is a point-in-time snapshot of the synchronization state.
type Status struct {
	BestHash    chainhash.Hash
	BestHeight  int32
	HeaderCount int
	Peers       int
	Synced      bool
}

type headerEntry struct {
	header wire.BlockHeader
	height int32
}

// Service owns the header index and synchronization progress.  Methods are
// safe for concurrent use.
type Service struct {
	params  *chaincfg.Params
	backend Backend

	reqs chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	started sync.Once
	stopped sync.Once

	// The fields below are only touched from the request goroutine.
	headers    map[chainhash.Hash]headerEntry
	bestHash   chainhash.Hash
	bestHeight int32
	peers      int
	synced     bool
}

// New creates a stopped service.  The genesis block seeds the header index
// so ancestor walks can always terminate.
func New(params *chaincfg.Params) *Service {
	s := &Service{
		params:  params,
		reqs:    make(chan func()),
		quit:    make(chan struct{}),
		headers: make(map[chainhash.Hash]headerEntry),
	}
	s.headers[*params.GenesisHash] = headerEntry{
		header: params.GenesisBlock.Header,
		height: 0,
	}
	s.bestHash = *params.GenesisHash
	return s
}

// Start attaches the network backend and begins serving requests.
func (s *Service) Start(backend Backend) {
	s.started.Do(func() {
		s.backend = backend
		s.wg.Add(1)
		go s.requestHandler()
		log.Trace("Chain service started")
	})
}

// Stop shuts the service down.  Blocked callers return ErrStopped.
func (s *Service) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		s.wg.Wait()
		log.Trace("Chain service stopped")
	})
}

func (s *Service) requestHandler() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.reqs:
			f()
		case <-s.quit:
			return
		}
	}
}

// atomicOperation runs op on the request goroutine and returns its result.
// Every public method goes through here, making each call atomic with
// respect to all others.
func (s *Service) atomicOperation(op func() error) error {
	errc := make(chan error, 1)
	select {
	case s.reqs <- func() { errc <- op() }:
	case <-s.quit:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-s.quit:
		return ErrStopped
	}
}

// SendFilter replaces the transaction filter held by the network peer.
func (s *Service) SendFilter(filter *bloom.Filter) error {
	return s.atomicOperation(func() error {
		log.Debugf("Sending updated transaction filter")
		return s.backend.SendFilter(filter)
	})
}

// Broadcast relays transactions to the network.
func (s *Service) Broadcast(txs []*wire.MsgTx) error {
	return s.atomicOperation(func() error {
		for _, tx := range txs {
			log.Infof("Broadcasting transaction %v", tx.TxHash())
		}
		return s.backend.Broadcast(txs)
	})
}

// RestartRescan restarts filtered block download for blocks with timestamps
// at or after from.  The service is considered out of sync until the node
// reports otherwise.
func (s *Service) RestartRescan(from time.Time) error {
	return s.atomicOperation(func() error {
		s.synced = false
		blocks := s.bestChainSince(from)
		log.Infof("Restarting rescan from %v (%d blocks)", from, len(blocks))
		return s.backend.Rescan(from, blocks)
	})
}

// Status returns a snapshot of the synchronization state.
func (s *Service) Status() (*Status, error) {
	var status Status
	err := s.atomicOperation(func() error {
		status = Status{
			BestHash:    s.bestHash,
			BestHeight:  s.bestHeight,
			HeaderCount: len(s.headers),
			Peers:       s.peers,
			Synced:      s.synced,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ConnectHeader extends the header index with a block connected by the node.
// Ties keep the incumbent tip; a reorganized branch is adopted once it
// overtakes it.
func (s *Service) ConnectHeader(header *wire.BlockHeader, height int32) error {
	return s.atomicOperation(func() error {
		hash := header.BlockHash()
		s.headers[hash] = headerEntry{header: *header, height: height}
		if height > s.bestHeight {
			s.bestHash = hash
			s.bestHeight = height
		}
		return nil
	})
}

// SetPeerCount records the number of connected peers.
func (s *Service) SetPeerCount(peers int) error {
	return s.atomicOperation(func() error {
		s.peers = peers
		return nil
	})
}

// SetSynced records whether the node considers the header chain caught up.
func (s *Service) SetSynced(synced bool) error {
	return s.atomicOperation(func() error {
		s.synced = synced
		return nil
	})
}

// bestChainSince walks the best chain from the tip toward genesis and
// returns the blocks with timestamps at or after from, ascending.  Only
// called from the request goroutine.
func (s *Service) bestChainSince(from time.Time) []BlockNode {
	var blocks []BlockNode
	cur := s.bestHash
	for {
		entry, ok := s.headers[cur]
		if !ok {
			break
		}
		if !entry.header.Timestamp.Before(from) {
			blocks = append(blocks, BlockNode{
				Hash:   cur,
				Height: entry.height,
				Time:   entry.header.Timestamp,
			})
		}
		if entry.height == 0 {
			break
		}
		cur = entry.header.PrevBlock
	}
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks
}

// BlockWindow walks the header chain from tip back to start and returns the
// window in ascending height order, excluding start and including tip.  A
// start equal to the tip yields an empty window.  When maxBlocks is positive
// and the window is larger, only the oldest maxBlocks entries are returned.
func (s *Service) BlockWindow(tip, start *chainhash.Hash,
	maxBlocks int) ([]BlockNode, error) {

	var window []BlockNode
	err := s.atomicOperation(func() error {
		if *tip == *start {
			return nil
		}
		cur := *tip
		for cur != *start {
			entry, ok := s.headers[cur]
			if !ok {
				return fmt.Errorf("%w: %v", ErrUnknownBlock, cur)
			}
			window = append(window, BlockNode{
				Hash:   cur,
				Height: entry.height,
				Time:   entry.header.Timestamp,
			})
			if entry.height == 0 {
				return ErrNotAncestor
			}
			cur = entry.header.PrevBlock
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The walk collected newest first.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	if maxBlocks > 0 && len(window) > maxBlocks {
		window = window[:maxBlocks]
	}
	return window, nil
}
