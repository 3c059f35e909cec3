// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "github.com/btcsuite/spvwalletd/netparams"

// activeNet is the currently active network parameters, set from the network
// selection options during configuration loading.  Mainnet is the default.
var activeNet = &netparams.MainNetParams
