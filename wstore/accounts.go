// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/btcsuite/spvwalletd/walletseed"
)

// defaultGap is the address look-ahead window used when an account spec does
// not request one.
const defaultGap = 10

// accountVersion is the serialization version of account records.
const accountVersion = 1

func serializeAccount(a *Account) []byte {
	var buf bytes.Buffer
	buf.WriteByte(accountVersion)
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], a.id)
	buf.Write(scratch[:4])
	buf.WriteByte(byte(a.Type))
	binary.BigEndian.PutUint64(scratch[:], uint64(a.Created.Unix()))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], a.Gap)
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], uint32(a.RequiredSigs))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], uint32(a.TotalKeys))
	buf.Write(scratch[:4])
	putVarBytes(&buf, []byte(a.Name))
	putVarBytes(&buf, []byte(a.Key.String()))
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(a.Keys)))
	buf.Write(scratch[:4])
	for _, k := range a.Keys {
		putVarBytes(&buf, []byte(k.String()))
	}
	return buf.Bytes()
}

func deserializeAccount(v []byte) (*Account, error) {
	r := bytes.NewReader(v)
	version, err := r.ReadByte()
	if err != nil || version != accountVersion {
		return nil, storeError("unknown account record version", err)
	}
	var scratch [8]byte
	readU32 := func() (uint32, error) {
		if _, err := r.Read(scratch[:4]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(scratch[:4]), nil
	}

	var a Account
	if a.id, err = readU32(); err != nil {
		return nil, storeError("short account record", err)
	}
	typ, err := r.ReadByte()
	if err != nil {
		return nil, storeError("short account record", err)
	}
	a.Type = AccountType(typ)
	if _, err := r.Read(scratch[:]); err != nil {
		return nil, storeError("short account record", err)
	}
	a.Created = time.Unix(int64(binary.BigEndian.Uint64(scratch[:])), 0)
	if a.Gap, err = readU32(); err != nil {
		return nil, storeError("short account record", err)
	}
	m, err := readU32()
	if err != nil {
		return nil, storeError("short account record", err)
	}
	n, err := readU32()
	if err != nil {
		return nil, storeError("short account record", err)
	}
	a.RequiredSigs, a.TotalKeys = int(m), int(n)
	name, err := readVarBytes(r)
	if err != nil {
		return nil, storeError("short account record", err)
	}
	a.Name = string(name)
	keyStr, err := readVarBytes(r)
	if err != nil {
		return nil, storeError("short account record", err)
	}
	if a.Key, err = hdkeychain.NewKeyFromString(string(keyStr)); err != nil {
		return nil, storeError("malformed account key", err)
	}
	numKeys, err := readU32()
	if err != nil {
		return nil, storeError("short account record", err)
	}
	a.Keys = make([]*hdkeychain.ExtendedKey, 0, numKeys)
	for i := uint32(0); i < numKeys; i++ {
		ks, err := readVarBytes(r)
		if err != nil {
			return nil, storeError("short account record", err)
		}
		k, err := hdkeychain.NewKeyFromString(string(ks))
		if err != nil {
			return nil, storeError("malformed co-signer key", err)
		}
		a.Keys = append(a.Keys, k)
	}
	return &a, nil
}

// account loads the named account record, or returns ErrAccountNotFound.
func (t *storeTx) account(name string) (*Account, error) {
	v := t.tx.ReadWriteBucket(bucketAccounts).Get([]byte(name))
	if v == nil {
		return nil, ErrAccountNotFound
	}
	return deserializeAccount(v)
}

// putAccount stores the account record under its current name.
func (t *storeTx) putAccount(a *Account) error {
	accts := t.tx.ReadWriteBucket(bucketAccounts)
	if err := accts.Put([]byte(a.Name), serializeAccount(a)); err != nil {
		return storeErrorf(err, "failed to store account %q", a.Name)
	}
	return nil
}

// Account returns the named account.
func (t *storeTx) Account(name string) (*Account, error) {
	return t.account(name)
}

// Accounts returns a page of accounts in name order plus the total count.
func (t *storeTx) Accounts(page Page) ([]Account, int, error) {
	var all []Account
	accts := t.tx.ReadWriteBucket(bucketAccounts)
	err := accts.ForEach(func(_, v []byte) error {
		a, err := deserializeAccount(v)
		if err != nil {
			return err
		}
		all = append(all, *a)
		return nil
	})
	if err != nil {
		var serr StorageError
		if errors.As(err, &serr) {
			return nil, 0, err
		}
		return nil, 0, storeError("failed to list accounts", err)
	}
	if page.Reverse {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	start, n := page.window(len(all))
	return all[start : start+n], len(all), nil
}

// NewAccount creates an account from spec.  The wallet's share of the
// account key is generated from a fresh random seed, and the seed's recovery
// phrase is returned alongside the account.  Complete accounts have their
// initial look-ahead addresses generated immediately.
func (t *storeTx) NewAccount(spec *AccountSpec) (*Account, string, error) {
	if spec.Name == "" {
		return nil, "", errors.New("account name is required")
	}
	if t.tx.ReadWriteBucket(bucketAccounts).Get([]byte(spec.Name)) != nil {
		return nil, "", ErrAccountExists
	}

	gap := spec.Gap
	if gap == 0 {
		gap = defaultGap
	}

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, "", storeError("failed to generate account seed", err)
	}
	master, err := hdkeychain.NewMaster(seed, t.db.params)
	if err != nil {
		return nil, "", storeError("failed to derive account key", err)
	}
	masterPub, err := master.Neuter()
	if err != nil {
		return nil, "", storeError("failed to neuter account key", err)
	}
	phrase := walletseed.EncodeMnemonic(seed)

	acct := &Account{
		Name:         spec.Name,
		Type:         spec.Type,
		Created:      time.Now(),
		Gap:          gap,
		RequiredSigs: 1,
		TotalKeys:    1,
		Key:          master,
		Keys:         []*hdkeychain.ExtendedKey{masterPub},
	}
	switch spec.Type {
	case AccountRegular:
		if len(spec.Keys) != 0 {
			return nil, "", errors.New("regular accounts take no co-signer keys")
		}
	case AccountMultisig:
		if spec.RequiredSigs < 1 || spec.TotalKeys < 2 ||
			spec.RequiredSigs > spec.TotalKeys {
			return nil, "", fmt.Errorf("invalid multisig configuration %d of %d",
				spec.RequiredSigs, spec.TotalKeys)
		}
		if len(spec.Keys) > spec.TotalKeys-1 {
			return nil, "", fmt.Errorf("too many co-signer keys: got %d, need %d",
				len(spec.Keys), spec.TotalKeys-1)
		}
		acct.RequiredSigs = spec.RequiredSigs
		acct.TotalKeys = spec.TotalKeys
		if err := appendCosignerKeys(acct, spec.Keys); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("unknown account type %d", spec.Type)
	}

	// Assign the namespace id from the meta sequence.
	meta := t.tx.ReadWriteBucket(bucketMeta)
	var nextID uint32
	if v := meta.Get(keyAcctSeq); v != nil {
		nextID = binary.BigEndian.Uint32(v) + 1
	}
	if err := meta.Put(keyAcctSeq, uint32Key(nextID)); err != nil {
		return nil, "", storeError("failed to advance account sequence", err)
	}
	acct.id = nextID

	if _, err := t.createNS(acct.id); err != nil {
		return nil, "", err
	}
	if err := t.putAccount(acct); err != nil {
		return nil, "", err
	}
	if acct.Complete() {
		if err := t.generateLookAhead(acct); err != nil {
			return nil, "", err
		}
	}
	log.Infof("Created %v account %q", acct.Type, acct.Name)
	return acct, phrase, nil
}

// RenameAccount renames an existing account.  The old name must resolve
// first; no account is implicitly created for the new name.
func (t *storeTx) RenameAccount(oldName, newName string) (*Account, error) {
	if newName == "" {
		return nil, errors.New("new account name is required")
	}
	acct, err := t.account(oldName)
	if err != nil {
		return nil, err
	}
	accts := t.tx.ReadWriteBucket(bucketAccounts)
	if accts.Get([]byte(newName)) != nil {
		return nil, ErrAccountExists
	}
	if err := accts.Delete([]byte(oldName)); err != nil {
		return nil, storeErrorf(err, "failed to remove account name %q", oldName)
	}
	acct.Name = newName
	if err := t.putAccount(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// AddAccountKeys adds co-signer extended public keys to a multisig account.
// An account that becomes complete has its initial look-ahead addresses
// generated.
func (t *storeTx) AddAccountKeys(name string, keys []*hdkeychain.ExtendedKey) (*Account, error) {
	acct, err := t.account(name)
	if err != nil {
		return nil, err
	}
	if acct.Type != AccountMultisig {
		return nil, errors.New("account does not take co-signer keys")
	}
	if acct.Complete() {
		return nil, ErrAccountComplete
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys to add")
	}
	if len(acct.Keys)+len(keys) > acct.TotalKeys {
		return nil, fmt.Errorf("too many co-signer keys: got %d, need %d",
			len(acct.Keys)+len(keys)-1, acct.TotalKeys-1)
	}
	if err := appendCosignerKeys(acct, keys); err != nil {
		return nil, err
	}
	if err := t.putAccount(acct); err != nil {
		return nil, err
	}
	if acct.Complete() {
		if err := t.generateLookAhead(acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// SetAccountGap updates the address look-ahead gap.  Growing the gap
// generates additional look-ahead addresses on both branches.
func (t *storeTx) SetAccountGap(name string, gap uint32) (*Account, error) {
	if gap == 0 {
		return nil, errors.New("gap must be positive")
	}
	acct, err := t.account(name)
	if err != nil {
		return nil, err
	}
	acct.Gap = gap
	if err := t.putAccount(acct); err != nil {
		return nil, err
	}
	if acct.Complete() {
		if err := t.generateLookAhead(acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// appendCosignerKeys neuters and deduplicates the given keys into the
// account key set.
func appendCosignerKeys(acct *Account, keys []*hdkeychain.ExtendedKey) error {
	for _, k := range keys {
		pub := k
		if k.IsPrivate() {
			var err error
			pub, err = k.Neuter()
			if err != nil {
				return storeError("failed to neuter co-signer key", err)
			}
		}
		dup := false
		for _, existing := range acct.Keys {
			if existing.String() == pub.String() {
				dup = true
				break
			}
		}
		if dup {
			return fmt.Errorf("duplicate co-signer key %v", pub)
		}
		acct.Keys = append(acct.Keys, pub)
	}
	return nil
}
