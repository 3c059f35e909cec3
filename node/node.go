// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node maintains the connection to a single trusted peer and
// implements the network backend of the chain service: bloom filter loads,
// transaction broadcast and rescan restarts.  Headers received from the peer
// are fed into the chain service's header index.  Peer discovery and
// multi-peer management are deliberately not handled here; the peer address
// comes from configuration.
package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/wstore"
)

// ErrNotConnected is returned by network operations while the peer is down.
var ErrNotConnected = errors.New("peer is not connected")

// reconnectDelay is the wait between connection attempts to the peer.
const reconnectDelay = 5 * time.Second

// ChainHandler receives filtered chain data for application to wallet
// storage.
type ChainHandler interface {
	// ConnectBlock records a delivered filtered block as the wallet's
	// chain tip.
	ConnectBlock(ctx context.Context, ref wstore.BlockRef) error

	// ApplyRelayedTx records a filter-matched transaction, mined in ref
	// when non-nil.
	ApplyRelayedTx(ctx context.Context, tx *wire.MsgTx, ref *wstore.BlockRef) error
}

// Config holds the node parameters.
type Config struct {
	// ChainParams identifies the active network.
	ChainParams *chaincfg.Params

	// PeerAddr is the host:port of the trusted peer.
	PeerAddr string

	// UserAgentName and UserAgentVersion identify this node on the wire.
	UserAgentName    string
	UserAgentVersion string

	// Chain applies delivered blocks and transactions to the wallet.
	Chain ChainHandler
}

// Node connects to the trusted peer and serves the chain service's network
// side effects.
type Node struct {
	started int32
	stopped int32

	cfg Config
	svc *chainsvc.Service

	peerMtx sync.Mutex
	peer    *peer.Peer

	// filter is the last loaded transaction filter, replayed on
	// reconnect so the peer never relays against a stale filter.
	filterMtx  sync.Mutex
	filter     *bloom.Filter
	rescanFrom time.Time

	// heights tracks the height of every header received so far, seeded
	// with the genesis block.
	heightsMtx sync.Mutex
	heights    map[chainhash.Hash]int32
	bestHash   chainhash.Hash
	bestHeight int32

	// curBlock and mempoolReq are only touched from peer listener
	// callbacks, which run serially.  curBlock is the filtered block
	// whose matched transactions are currently being delivered, and
	// mempoolReq tracks transactions requested from inv announcements so
	// they are recorded as unmined.
	curBlock   *wstore.BlockRef
	mempoolReq map[chainhash.Hash]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// Compile time check to ensure Node satisfies the chain service backend.
var _ chainsvc.Backend = (*Node)(nil)

// New creates a stopped node feeding the given chain service.
func New(cfg Config, svc *chainsvc.Service) *Node {
	n := &Node{
		cfg:        cfg,
		svc:        svc,
		heights:    map[chainhash.Hash]int32{*cfg.ChainParams.GenesisHash: 0},
		bestHash:   *cfg.ChainParams.GenesisHash,
		mempoolReq: make(map[chainhash.Hash]struct{}),
		quit:       make(chan struct{}),
	}
	return n
}

// Start begins connecting to the trusted peer.
func (n *Node) Start() {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return
	}
	n.wg.Add(1)
	go n.connectHandler()
	log.Infof("Node started, trusted peer %s", n.cfg.PeerAddr)
}

// Stop disconnects the peer and shuts the node down.
func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.stopped, 0, 1) {
		return
	}
	close(n.quit)
	n.peerMtx.Lock()
	if n.peer != nil {
		n.peer.Disconnect()
	}
	n.peerMtx.Unlock()
	n.wg.Wait()
	log.Info("Node stopped")
}

// connectHandler keeps one outbound connection to the trusted peer alive.
func (n *Node) connectHandler() {
	defer n.wg.Done()
	for {
		if err := n.connectOnce(); err != nil {
			log.Errorf("Peer connection failed: %v", err)
		}
		n.svc.SetPeerCount(0)
		n.svc.SetSynced(false)
		select {
		case <-time.After(reconnectDelay):
		case <-n.quit:
			return
		}
	}
}

func (n *Node) connectOnce() error {
	p, err := peer.NewOutboundPeer(n.peerConfig(), n.cfg.PeerAddr)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", n.cfg.PeerAddr)
	if err != nil {
		return err
	}
	n.peerMtx.Lock()
	n.peer = p
	n.peerMtx.Unlock()

	p.AssociateConnection(conn)
	p.WaitForDisconnect()

	n.peerMtx.Lock()
	n.peer = nil
	n.peerMtx.Unlock()
	return nil
}

func (n *Node) peerConfig() *peer.Config {
	return &peer.Config{
		ChainParams:      n.cfg.ChainParams,
		UserAgentName:    n.cfg.UserAgentName,
		UserAgentVersion: n.cfg.UserAgentVersion,
		Services:         0,
		DisableRelayTx:   true,
		Listeners: peer.MessageListeners{
			OnVerAck:      n.onVerAck,
			OnHeaders:     n.onHeaders,
			OnInv:         n.onInv,
			OnTx:          n.onTx,
			OnMerkleBlock: n.onMerkleBlock,
			OnReject:      n.onReject,
		},
	}
}

// queueMessage sends msg to the connected peer.
func (n *Node) queueMessage(msg wire.Message) error {
	n.peerMtx.Lock()
	p := n.peer
	n.peerMtx.Unlock()
	if p == nil || !p.Connected() {
		return ErrNotConnected
	}
	p.QueueMessage(msg, nil)
	return nil
}

// onVerAck reloads the transaction filter and kicks off header download
// whenever the handshake completes.
func (n *Node) onVerAck(p *peer.Peer, _ *wire.MsgVerAck) {
	n.svc.SetPeerCount(1)

	n.filterMtx.Lock()
	filter := n.filter
	n.filterMtx.Unlock()
	if filter != nil {
		p.QueueMessage(filter.MsgFilterLoad(), nil)
	}
	n.pushGetHeaders()
}

// pushGetHeaders requests headers after the best known header.
func (n *Node) pushGetHeaders() {
	n.heightsMtx.Lock()
	best := n.bestHash
	n.heightsMtx.Unlock()

	msg := wire.NewMsgGetHeaders()
	msg.AddBlockLocatorHash(&best)
	if best != *n.cfg.ChainParams.GenesisHash {
		msg.AddBlockLocatorHash(n.cfg.ChainParams.GenesisHash)
	}
	if err := n.queueMessage(msg); err != nil {
		log.Debugf("Could not request headers: %v", err)
	}
}

// onHeaders connects received headers to the chain service index and
// requests the matching filtered blocks.
func (n *Node) onHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 {
		// An empty headers response means the chain is caught up.
		n.svc.SetSynced(true)
		return
	}

	getData := wire.NewMsgGetData()
	n.heightsMtx.Lock()
	for _, header := range msg.Headers {
		prevHeight, ok := n.heights[header.PrevBlock]
		if !ok {
			log.Warnf("Orphan header %v (prev %v)",
				header.BlockHash(), header.PrevBlock)
			continue
		}
		hash := header.BlockHash()
		height := prevHeight + 1
		n.heights[hash] = height
		if height > n.bestHeight {
			n.bestHash = hash
			n.bestHeight = height
		}
		if err := n.svc.ConnectHeader(header, height); err != nil {
			log.Errorf("Failed to connect header %v: %v", hash, err)
		}

		n.filterMtx.Lock()
		wanted := !header.Timestamp.Before(n.rescanFrom)
		n.filterMtx.Unlock()
		if wanted {
			getData.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock, &hash))
		}
	}
	n.heightsMtx.Unlock()

	if len(getData.InvList) > 0 {
		if err := n.queueMessage(getData); err != nil {
			log.Debugf("Could not request filtered blocks: %v", err)
		}
	}
	// More headers may follow the ones just processed.
	n.pushGetHeaders()
}

// onInv requests announced blocks and filter-matched transactions.
func (n *Node) onInv(_ *peer.Peer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			// Announced blocks arrive as headers first.
			n.pushGetHeaders()
		case wire.InvTypeTx:
			n.mempoolReq[iv.Hash] = struct{}{}
			getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &iv.Hash))
		}
	}
	if len(getData.InvList) > 0 {
		if err := n.queueMessage(getData); err != nil {
			log.Debugf("Could not request inventory: %v", err)
		}
	}
}

// onTx applies a relayed transaction to the wallet.  Transactions requested
// from an inv announcement are unmined; unsolicited transactions following a
// filtered block are the block's filter matches and carry its block ref.
func (n *Node) onTx(_ *peer.Peer, msg *wire.MsgTx) {
	hash := msg.TxHash()
	ref := n.curBlock
	if _, ok := n.mempoolReq[hash]; ok {
		delete(n.mempoolReq, hash)
		ref = nil
	}
	if err := n.cfg.Chain.ApplyRelayedTx(context.Background(), msg, ref); err != nil {
		log.Errorf("Failed to apply relayed transaction %v: %v", hash, err)
	}
}

// onMerkleBlock advances the wallet tip to a delivered filtered block.  The
// block's matched transactions follow as individual tx messages and are
// attributed to it through curBlock.
func (n *Node) onMerkleBlock(_ *peer.Peer, msg *wire.MsgMerkleBlock) {
	hash := msg.Header.BlockHash()
	n.heightsMtx.Lock()
	height, ok := n.heights[hash]
	n.heightsMtx.Unlock()
	if !ok {
		log.Warnf("Filtered block %v delivered before its header", hash)
		return
	}

	ref := wstore.BlockRef{
		Hash:   hash,
		Height: height,
		Time:   msg.Header.Timestamp,
	}
	n.curBlock = &ref
	if err := n.cfg.Chain.ConnectBlock(context.Background(), ref); err != nil {
		log.Errorf("Failed to connect block %v: %v", hash, err)
	}
}

func (n *Node) onReject(_ *peer.Peer, msg *wire.MsgReject) {
	log.Warnf("Peer rejected %s %v: %v (%s)",
		msg.Cmd, msg.Hash, msg.Code, msg.Reason)
}

// SendFilter loads the transaction filter on the peer.  The filter is
// remembered and replayed on reconnect.
func (n *Node) SendFilter(filter *bloom.Filter) error {
	n.filterMtx.Lock()
	n.filter = filter
	n.filterMtx.Unlock()
	return n.queueMessage(filter.MsgFilterLoad())
}

// Broadcast relays transactions to the peer.
func (n *Node) Broadcast(txs []*wire.MsgTx) error {
	for _, tx := range txs {
		if err := n.queueMessage(tx); err != nil {
			return err
		}
	}
	return nil
}

// Rescan re-requests the given best-chain blocks as filtered blocks.
// Headers arriving later are also re-requested when their timestamps fall
// in the rescan range.
func (n *Node) Rescan(from time.Time, blocks []chainsvc.BlockNode) error {
	n.filterMtx.Lock()
	n.rescanFrom = from
	n.filterMtx.Unlock()

	if len(blocks) == 0 {
		return nil
	}
	getData := wire.NewMsgGetData()
	for i := range blocks {
		hash := blocks[i].Hash
		getData.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock, &hash))
	}
	log.Infof("Rescanning %d blocks from %v", len(blocks), from)
	return n.queueMessage(getData)
}
