// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Per-namespace keys tracking the count of visible (used) addresses on each
// branch.  Addresses past the used count up to the highest generated index
// form the look-ahead window.
var (
	keyUsedExternal = []byte("usedext")
	keyUsedInternal = []byte("usedint")
)

func usedKey(branch Branch) []byte {
	if branch == BranchInternal {
		return keyUsedInternal
	}
	return keyUsedExternal
}

func serializeAddress(a *Address) []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], a.Index)
	buf.Write(scratch[:4])
	buf.WriteByte(byte(a.Branch))
	binary.BigEndian.PutUint64(scratch[:], uint64(a.Created.Unix()))
	buf.Write(scratch[:])
	putVarBytes(&buf, []byte(a.Label))
	putVarBytes(&buf, []byte(a.Addr.EncodeAddress()))
	putVarBytes(&buf, a.PkScript)
	putVarBytes(&buf, a.RedeemScript)
	return buf.Bytes()
}

func deserializeAddress(v []byte, params *chaincfg.Params) (*Address, error) {
	r := bytes.NewReader(v)
	var scratch [8]byte
	if _, err := r.Read(scratch[:4]); err != nil {
		return nil, storeError("short address record", err)
	}
	var a Address
	a.Index = binary.BigEndian.Uint32(scratch[:4])
	branch, err := r.ReadByte()
	if err != nil {
		return nil, storeError("short address record", err)
	}
	a.Branch = Branch(branch)
	if _, err := r.Read(scratch[:]); err != nil {
		return nil, storeError("short address record", err)
	}
	a.Created = time.Unix(int64(binary.BigEndian.Uint64(scratch[:])), 0)
	label, err := readVarBytes(r)
	if err != nil {
		return nil, storeError("short address record", err)
	}
	a.Label = string(label)
	addrStr, err := readVarBytes(r)
	if err != nil {
		return nil, storeError("short address record", err)
	}
	if a.Addr, err = btcutil.DecodeAddress(string(addrStr), params); err != nil {
		return nil, storeError("malformed stored address", err)
	}
	if a.PkScript, err = readVarBytes(r); err != nil {
		return nil, storeError("short address record", err)
	}
	if a.RedeemScript, err = readVarBytes(r); err != nil {
		return nil, storeError("short address record", err)
	}
	return &a, nil
}

// deriveAddress derives the account address at branch/index.  Multisig
// accounts derive a sorted-multisig P2SH address over every co-signer key
// and require the full key set.
func deriveAddress(acct *Account, branch Branch, index uint32,
	params *chaincfg.Params) (*Address, error) {

	if !acct.Complete() {
		return nil, ErrAccountIncomplete
	}

	addr := &Address{
		Account: acct.Name,
		Index:   index,
		Branch:  branch,
		Created: time.Now(),
	}

	switch acct.Type {
	case AccountRegular:
		branchKey, err := acct.Keys[0].Derive(uint32(branch))
		if err != nil {
			return nil, storeError("failed to derive branch key", err)
		}
		child, err := branchKey.Derive(index)
		if err != nil {
			return nil, storeError("failed to derive address key", err)
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return nil, storeError("failed to derive address pubkey", err)
		}
		pkHash := btcutil.Hash160(pub.SerializeCompressed())
		addr.Addr, err = btcutil.NewAddressPubKeyHash(pkHash, params)
		if err != nil {
			return nil, storeError("failed to build p2pkh address", err)
		}

	case AccountMultisig:
		pubKeys := make([]*btcutil.AddressPubKey, 0, len(acct.Keys))
		for _, key := range acct.Keys {
			branchKey, err := key.Derive(uint32(branch))
			if err != nil {
				return nil, storeError("failed to derive branch key", err)
			}
			child, err := branchKey.Derive(index)
			if err != nil {
				return nil, storeError("failed to derive address key", err)
			}
			pub, err := child.ECPubKey()
			if err != nil {
				return nil, storeError("failed to derive address pubkey", err)
			}
			apk, err := btcutil.NewAddressPubKey(pub.SerializeCompressed(), params)
			if err != nil {
				return nil, storeError("failed to build address pubkey", err)
			}
			pubKeys = append(pubKeys, apk)
		}
		// Sorting gives every co-signer the same script regardless of
		// the order keys were exchanged in.
		sort.Slice(pubKeys, func(i, j int) bool {
			return bytes.Compare(pubKeys[i].ScriptAddress(),
				pubKeys[j].ScriptAddress()) < 0
		})
		script, err := txscript.MultiSigScript(pubKeys, acct.RequiredSigs)
		if err != nil {
			return nil, storeError("failed to build multisig script", err)
		}
		addr.RedeemScript = script
		addr.Addr, err = btcutil.NewAddressScriptHash(script, params)
		if err != nil {
			return nil, storeError("failed to build p2sh address", err)
		}
	}

	var err error
	addr.PkScript, err = txscript.PayToAddrScript(addr.Addr)
	if err != nil {
		return nil, storeError("failed to build pkScript", err)
	}
	return addr, nil
}

// usedCount reads the visible address count of a branch.
func usedCount(ns walletdb.ReadWriteBucket, branch Branch) uint32 {
	if v := ns.Get(usedKey(branch)); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

// topIndex returns the highest generated address index of a branch and
// whether any address has been generated at all.
func topIndex(ns walletdb.ReadWriteBucket, branch Branch) (uint32, bool) {
	cursor := addrBucket(ns, branch).ReadWriteCursor()
	k, _ := cursor.Last()
	if k == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(k), true
}

// generateThrough generates any missing addresses on a branch up to and
// including lastIndex, returning the newly created ones.
func (t *storeTx) generateThrough(acct *Account, ns walletdb.ReadWriteBucket,
	branch Branch, lastIndex uint32) ([]Address, error) {

	next := uint32(0)
	if top, ok := topIndex(ns, branch); ok {
		if top >= lastIndex {
			return nil, nil
		}
		next = top + 1
	}

	bucket := addrBucket(ns, branch)
	scripts := ns.NestedReadWriteBucket(bucketScripts)
	var created []Address
	for i := next; i <= lastIndex; i++ {
		addr, err := deriveAddress(acct, branch, i, t.db.params)
		if err != nil {
			return nil, err
		}
		if err := bucket.Put(uint32Key(i), serializeAddress(addr)); err != nil {
			return nil, storeError("failed to store address", err)
		}
		scriptRef := make([]byte, 5)
		scriptRef[0] = byte(branch)
		binary.BigEndian.PutUint32(scriptRef[1:], i)
		if err := scripts.Put(addr.PkScript, scriptRef); err != nil {
			return nil, storeError("failed to index address script", err)
		}
		created = append(created, *addr)
	}
	if len(created) > 0 {
		log.Debugf("Generated %d %v addresses for account %q",
			len(created), branch, acct.Name)
	}
	return created, nil
}

// generateLookAhead tops up the look-ahead window of both branches so that
// gap unused addresses follow the visible ones.
func (t *storeTx) generateLookAhead(acct *Account) error {
	ns, err := t.ns(acct)
	if err != nil {
		return err
	}
	for _, branch := range []Branch{BranchExternal, BranchInternal} {
		used := usedCount(ns, branch)
		if _, err := t.generateThrough(acct, ns, branch, used+acct.Gap-1); err != nil {
			return err
		}
	}
	return nil
}

// markUsed raises the visible address count of a branch through index and
// extends the look-ahead window past it.  The addresses generated by the
// extension are returned so callers can refresh the watch filter.
func (t *storeTx) markUsed(acct *Account, ns walletdb.ReadWriteBucket,
	branch Branch, index uint32) ([]Address, error) {

	used := usedCount(ns, branch)
	if index < used {
		return nil, nil
	}
	used = index + 1
	if err := ns.Put(usedKey(branch), uint32Key(used)); err != nil {
		return nil, storeError("failed to store used address count", err)
	}
	return t.generateThrough(acct, ns, branch, index+acct.Gap)
}

// addressesInRange collects generated addresses of a branch with index in
// [from, to], ascending.
func (t *storeTx) addressesInRange(ns walletdb.ReadWriteBucket, branch Branch,
	from, to uint32) ([]Address, error) {

	var addrs []Address
	err := addrBucket(ns, branch).ForEach(func(k, v []byte) error {
		idx := binary.BigEndian.Uint32(k)
		if idx < from || idx > to {
			return nil
		}
		a, err := deserializeAddress(v, t.db.params)
		if err != nil {
			return err
		}
		addrs = append(addrs, *a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// pageAddresses applies a page window over a full ascending index range.
func pageAddresses(addrs []Address, page Page) []Address {
	if page.Reverse {
		for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		}
	}
	start, n := page.window(len(addrs))
	return addrs[start : start+n]
}

// Addresses returns a page of the account's visible addresses on a branch.
func (t *storeTx) Addresses(account string, branch Branch, page Page) ([]Address, int, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, 0, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, 0, err
	}
	used := usedCount(ns, branch)
	if used == 0 {
		return nil, 0, nil
	}
	addrs, err := t.addressesInRange(ns, branch, 0, used-1)
	if err != nil {
		return nil, 0, err
	}
	return pageAddresses(addrs, page), int(used), nil
}

// UnusedAddresses returns a page of the account's look-ahead addresses on a
// branch.
func (t *storeTx) UnusedAddresses(account string, branch Branch, page Page) ([]Address, int, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, 0, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, 0, err
	}
	used := usedCount(ns, branch)
	top, ok := topIndex(ns, branch)
	if !ok || top < used {
		return nil, 0, nil
	}
	addrs, err := t.addressesInRange(ns, branch, used, top)
	if err != nil {
		return nil, 0, err
	}
	return pageAddresses(addrs, page), len(addrs), nil
}

// Address returns a single generated address by index and branch.
func (t *storeTx) Address(account string, index uint32, branch Branch) (*Address, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	v := addrBucket(ns, branch).Get(uint32Key(index))
	if v == nil {
		return nil, ErrAddressNotFound
	}
	return deserializeAddress(v, t.db.params)
}

// SetAddressLabel updates the label of a generated address.
func (t *storeTx) SetAddressLabel(account string, index uint32, branch Branch,
	label string) (*Address, error) {

	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	bucket := addrBucket(ns, branch)
	v := bucket.Get(uint32Key(index))
	if v == nil {
		return nil, ErrAddressNotFound
	}
	addr, err := deserializeAddress(v, t.db.params)
	if err != nil {
		return nil, err
	}
	addr.Label = label
	if err := bucket.Put(uint32Key(index), serializeAddress(addr)); err != nil {
		return nil, storeError("failed to store address label", err)
	}
	return addr, nil
}

// GenerateAddresses extends the generated addresses of a branch through
// lastIndex.
func (t *storeTx) GenerateAddresses(account string, branch Branch,
	lastIndex uint32) (int, []Address, error) {

	acct, err := t.account(account)
	if err != nil {
		return 0, nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return 0, nil, err
	}
	created, err := t.generateThrough(acct, ns, branch, lastIndex)
	if err != nil {
		return 0, nil, err
	}
	return len(created), created, nil
}

// AddressBalances returns the balance of each visible address in the page
// window, computed over minConf confirmations.  Unmined outputs count only
// when offline is true.
func (t *storeTx) AddressBalances(account string, branch Branch, page Page,
	minConf int32, offline bool) ([]AddressBalance, error) {

	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	used := usedCount(ns, branch)
	if used == 0 {
		return nil, nil
	}
	addrs, err := t.addressesInRange(ns, branch, 0, used-1)
	if err != nil {
		return nil, err
	}
	addrs = pageAddresses(addrs, page)

	best, err := t.BestBlock()
	if err != nil {
		return nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, err
	}
	unspent, err := txs.UnspentOutputs(txmgrNs)
	if err != nil {
		return nil, storeError("failed to load unspent outputs", err)
	}

	byScript := make(map[string]btcutil.Amount)
	for _, credit := range unspent {
		height := credit.Block.Height
		if height == -1 {
			if !offline {
				continue
			}
		} else if confirms(height, best.Height) < minConf {
			continue
		}
		byScript[string(credit.PkScript)] += credit.Amount
	}

	balances := make([]AddressBalance, 0, len(addrs))
	for i := range addrs {
		balances = append(balances, AddressBalance{
			Index:   addrs[i].Index,
			Balance: byScript[string(addrs[i].PkScript)],
		})
	}
	return balances, nil
}

// scriptRef resolves a pkScript to its branch and index within an account
// namespace.
func scriptRef(ns walletdb.ReadWriteBucket, pkScript []byte) (Branch, uint32, bool) {
	v := ns.NestedReadWriteBucket(bucketScripts).Get(pkScript)
	if v == nil || len(v) != 5 {
		return 0, 0, false
	}
	return Branch(v[0]), binary.BigEndian.Uint32(v[1:]), true
}

// confirms returns the number of confirmations of a transaction in a block
// at height txHeight given the current best height.
func confirms(txHeight, curHeight int32) int32 {
	switch {
	case txHeight == -1, txHeight > curHeight:
		return 0
	default:
		return curHeight - txHeight + 1
	}
}
