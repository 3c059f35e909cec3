// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/internal/cfgutil"
	"github.com/btcsuite/spvwalletd/node"
	"github.com/btcsuite/spvwalletd/rpc/jsonrpc"
	"github.com/btcsuite/spvwalletd/wallet"
	"github.com/btcsuite/spvwalletd/wstore"
)

var cfg *config

// dbTimeout is how long to wait on the wallet database file lock before
// aborting startup.
const dbTimeout = 60 * time.Second

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	// Open the wallet database, creating it when missing.
	netDir := networkDir(cfg.DataDir, activeNet.Params.Name)
	if err := checkCreateDir(netDir); err != nil {
		log.Errorf("%v", err)
		return err
	}
	dbPath := filepath.Join(netDir, walletDbName)
	dbExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	var db walletdb.DB
	if dbExists {
		db, err = walletdb.Open("bdb", dbPath, true, dbTimeout, false)
	} else {
		db, err = walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	}
	if err != nil {
		log.Errorf("Failed to open wallet database %v: %v", dbPath, err)
		return err
	}
	defer db.Close()

	store, err := wstore.Open(db, activeNet.Params)
	if err != nil {
		log.Errorf("Failed to prepare wallet store: %v", err)
		return err
	}

	// Online wallets run the synchronization service backed by a single
	// trusted peer.
	var (
		svc  *chainsvc.Service
		sync wallet.SyncState
	)
	if !cfg.Offline {
		svc = chainsvc.New(activeNet.Params)
		sync = svc
	}

	session := wallet.New(wallet.Config{
		ChainParams: activeNet.Params,
		Offline:     cfg.Offline,
		StorageOps:  cfg.StorageOps,
	}, store, sync)

	// The service is primed with the current watch filter so the peer
	// connection starts with the committed watched set.
	if !cfg.Offline {
		p2pNode := node.New(node.Config{
			ChainParams:      activeNet.Params,
			PeerAddr:         cfg.Connect,
			UserAgentName:    "spvwalletd",
			UserAgentVersion: version(),
			Chain:            session,
		}, svc)
		svc.Start(p2pNode)

		var filter *bloom.Filter
		err := store.Update(func(tx wstore.Tx) error {
			var err error
			filter, err = tx.BloomFilter()
			return err
		})
		if err != nil {
			log.Errorf("Failed to build the initial watch filter: %v", err)
			return err
		}
		if err := svc.SendFilter(filter); err != nil {
			log.Errorf("Failed to prime the watch filter: %v", err)
			return err
		}

		p2pNode.Start()
		addInterruptHandler(func() {
			p2pNode.Stop()
			svc.Stop()
		})
	}

	listeners, err := makeListeners(cfg.RPCListeners)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	rpcServer := jsonrpc.NewServer(&jsonrpc.Options{
		Username:            cfg.Username,
		Password:            cfg.Password,
		MaxPOSTClients:      cfg.RPCMaxClients,
		MaxWebsocketClients: cfg.RPCMaxWebsockets,
	}, session, listeners)
	addInterruptHandler(rpcServer.Stop)

	// A stop request over RPC is handled like an interrupt.
	go func() {
		<-rpcServer.RequestProcessShutdown()
		simulateInterrupt()
	}()

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// makeListeners opens TCP listeners for each normalized listen address,
// failing when any address cannot be bound.
func makeListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, listener)
	}
	return listeners, nil
}
