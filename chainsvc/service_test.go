// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsvc

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// recordingBackend records rescan requests and accepts everything else.
type recordingBackend struct {
	rescanFrom   time.Time
	rescanBlocks []BlockNode
}

func (b *recordingBackend) SendFilter(*bloom.Filter) error { return nil }

func (b *recordingBackend) Broadcast([]*wire.MsgTx) error { return nil }

func (b *recordingBackend) Rescan(from time.Time, blocks []BlockNode) error {
	b.rescanFrom = from
	b.rescanBlocks = blocks
	return nil
}

// testChain builds a linear header chain of n blocks on top of the genesis
// block, with timestamps one minute apart, and connects it to the service.
// The returned headers are indexed by height starting at 1.
func testChain(t *testing.T, s *Service, n int) map[int32]wire.BlockHeader {
	t.Helper()

	params := &chaincfg.MainNetParams
	headers := make(map[int32]wire.BlockHeader, n)
	prev := *params.GenesisHash
	base := time.Unix(1450000000, 0)
	for height := int32(1); height <= int32(n); height++ {
		header := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: base.Add(time.Duration(height) * time.Minute),
			Nonce:     uint32(height),
		}
		require.NoError(t, s.ConnectHeader(&header, height))
		headers[height] = header
		prev = header.BlockHash()
	}
	return headers
}

// blockHash hashes a header copy; map elements are not addressable, so the
// pointer-receiver BlockHash method cannot be called on them directly.
func blockHash(h wire.BlockHeader) chainhash.Hash {
	return h.BlockHash()
}

func newTestService(t *testing.T) (*Service, *recordingBackend) {
	t.Helper()

	s := New(&chaincfg.MainNetParams)
	backend := &recordingBackend{}
	s.Start(backend)
	t.Cleanup(s.Stop)
	return s, backend
}

func TestConnectHeader(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	headers := testChain(t, s, 5)

	status, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, blockHash(headers[5]), status.BestHash)
	require.Equal(t, int32(5), status.BestHeight)
	require.Equal(t, 6, status.HeaderCount) // genesis included
}

func TestConnectHeaderReorg(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	headers := testChain(t, s, 3)

	// A competing branch from height 2 ties the incumbent at height 3 and
	// must not displace it.
	fork := wire.BlockHeader{
		Version:   1,
		PrevBlock: blockHash(headers[2]),
		Timestamp: time.Unix(1460000000, 0),
		Nonce:     1000,
	}
	require.NoError(t, s.ConnectHeader(&fork, 3))

	status, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, blockHash(headers[3]), status.BestHash)

	// Extending the branch past the incumbent adopts it.
	fork2 := wire.BlockHeader{
		Version:   1,
		PrevBlock: fork.BlockHash(),
		Timestamp: time.Unix(1460000060, 0),
		Nonce:     1001,
	}
	require.NoError(t, s.ConnectHeader(&fork2, 4))

	status, err = s.Status()
	require.NoError(t, err)
	require.Equal(t, fork2.BlockHash(), status.BestHash)
	require.Equal(t, int32(4), status.BestHeight)
}

func TestBlockWindow(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	headers := testChain(t, s, 5)
	genesis := chaincfg.MainNetParams.GenesisHash
	tip := blockHash(headers[5])

	t.Run("full window ascending", func(t *testing.T) {
		window, err := s.BlockWindow(&tip, genesis, 0)
		require.NoError(t, err)
		require.Len(t, window, 5)
		for i, node := range window {
			require.Equal(t, int32(i+1), node.Height)
			require.Equal(t, blockHash(headers[node.Height]), node.Hash)
		}
	})

	t.Run("bounded window keeps the oldest blocks", func(t *testing.T) {
		window, err := s.BlockWindow(&tip, genesis, 3)
		require.NoError(t, err)
		require.Len(t, window, 3)
		require.Equal(t, int32(1), window[0].Height)
		require.Equal(t, int32(3), window[2].Height)
	})

	t.Run("start excluded tip included", func(t *testing.T) {
		start := blockHash(headers[3])
		window, err := s.BlockWindow(&tip, &start, 0)
		require.NoError(t, err)
		require.Len(t, window, 2)
		require.Equal(t, int32(4), window[0].Height)
		require.Equal(t, tip, window[1].Hash)
	})

	t.Run("start equal to tip is empty", func(t *testing.T) {
		window, err := s.BlockWindow(&tip, &tip, 0)
		require.NoError(t, err)
		require.Empty(t, window)
	})

	t.Run("unknown tip", func(t *testing.T) {
		var unknown chainhash.Hash
		unknown[0] = 0xff
		_, err := s.BlockWindow(&unknown, genesis, 0)
		require.ErrorIs(t, err, ErrUnknownBlock)
	})

	t.Run("start not an ancestor", func(t *testing.T) {
		var stranger chainhash.Hash
		stranger[0] = 0xfe
		_, err := s.BlockWindow(&tip, &stranger, 0)
		require.ErrorIs(t, err, ErrNotAncestor)
	})
}

func TestRestartRescan(t *testing.T) {
	t.Parallel()

	s, backend := newTestService(t)
	headers := testChain(t, s, 5)
	require.NoError(t, s.SetSynced(true))

	// Only blocks with timestamps at or after the start time are replayed,
	// in ascending order, and the service drops out of sync.
	from := headers[3].Timestamp
	require.NoError(t, s.RestartRescan(from))
	require.Equal(t, from, backend.rescanFrom)
	require.Len(t, backend.rescanBlocks, 3)
	for i, node := range backend.rescanBlocks {
		require.Equal(t, int32(i+3), node.Height)
	}

	status, err := s.Status()
	require.NoError(t, err)
	require.False(t, status.Synced)
}

func TestStatusTracksPeersAndSync(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	require.NoError(t, s.SetPeerCount(1))
	require.NoError(t, s.SetSynced(true))

	status, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Peers)
	require.True(t, status.Synced)
}

func TestStoppedService(t *testing.T) {
	t.Parallel()

	s := New(&chaincfg.MainNetParams)
	s.Start(&recordingBackend{})
	s.Stop()

	_, err := s.Status()
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, s.SetSynced(true), ErrStopped)
}
