// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/btcsuite/spvwalletd/wstore"
)

// Account returns the named account.
func (s *Session) Account(ctx context.Context, name string) (*wstore.Account, error) {
	var acct *wstore.Account
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		acct, err = tx.Account(name)
		return err
	})
	return acct, err
}

// Accounts returns a page of accounts and the total account count.
func (s *Session) Accounts(ctx context.Context, page wstore.Page) ([]wstore.Account, int, error) {
	var (
		accts []wstore.Account
		total int
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		accts, total, err = tx.Accounts(page)
		return err
	})
	return accts, total, err
}

// NewAccount creates an account and returns it with the recovery phrase of
// the generated wallet key.  A complete account immediately watches its
// look-ahead addresses, so the node filter is refreshed before returning.
func (s *Session) NewAccount(ctx context.Context, spec *wstore.AccountSpec) (*wstore.Account, string, error) {
	var (
		acct   *wstore.Account
		phrase string
		filter *bloom.Filter
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		acct, phrase, err = tx.NewAccount(spec)
		if err != nil {
			return err
		}
		if acct.Complete() {
			filter, err = tx.BloomFilter()
		}
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if err := s.sendFilter(filter); err != nil {
		return nil, "", err
	}
	return acct, phrase, nil
}

// RenameAccount renames an existing account.
func (s *Session) RenameAccount(ctx context.Context, oldName, newName string) (*wstore.Account, error) {
	var acct *wstore.Account
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		acct, err = tx.RenameAccount(oldName, newName)
		return err
	})
	return acct, err
}

// AddAccountKeys adds co-signer keys to a multisig account.  An account that
// becomes complete starts watching addresses, triggering a filter refresh.
func (s *Session) AddAccountKeys(ctx context.Context, name string,
	keys []*hdkeychain.ExtendedKey) (*wstore.Account, error) {

	var (
		acct   *wstore.Account
		filter *bloom.Filter
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		acct, err = tx.AddAccountKeys(name, keys)
		if err != nil {
			return err
		}
		if acct.Complete() {
			filter, err = tx.BloomFilter()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.sendFilter(filter); err != nil {
		return nil, err
	}
	return acct, nil
}

// SetAccountGap updates the look-ahead gap.  The watched-address window
// changed, so the filter is refreshed unconditionally.
func (s *Session) SetAccountGap(ctx context.Context, name string, gap uint32) (*wstore.Account, error) {
	var (
		acct   *wstore.Account
		filter *bloom.Filter
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		acct, err = tx.SetAccountGap(name, gap)
		if err != nil {
			return err
		}
		filter, err = tx.BloomFilter()
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.sendFilter(filter); err != nil {
		return nil, err
	}
	return acct, nil
}

// AddressWithBalance pairs an address with its balance under the requesting
// call's confirmation policy.  HasBalance is false when the auxiliary
// balance lookup degraded.
type AddressWithBalance struct {
	wstore.Address
	Balance    btcutil.Amount
	HasBalance bool
}

// Addresses returns a page of the account's visible addresses on a branch,
// each paired with its balance over minConf confirmations.  The balance
// lookup is best-effort: a storage fault there degrades the balances to
// absent instead of failing the listing.
func (s *Session) Addresses(ctx context.Context, account string, branch wstore.Branch,
	page wstore.Page, minConf int32, includeUnmined bool) ([]AddressWithBalance, int, error) {

	var (
		addrs []wstore.Address
		total int
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		addrs, total, err = tx.Addresses(account, branch, page)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	var balances []wstore.AddressBalance
	ok := s.tryStorage(ctx, func(tx wstore.Tx) error {
		var err error
		balances, err = tx.AddressBalances(account, branch, page, minConf, includeUnmined)
		return err
	})

	byIndex := make(map[uint32]btcutil.Amount, len(balances))
	if ok {
		for _, b := range balances {
			byIndex[b.Index] = b.Balance
		}
	}
	result := make([]AddressWithBalance, 0, len(addrs))
	for i := range addrs {
		entry := AddressWithBalance{Address: addrs[i]}
		if balance, found := byIndex[addrs[i].Index]; ok && found {
			entry.Balance = balance
			entry.HasBalance = true
		}
		result = append(result, entry)
	}
	return result, total, nil
}

// UnusedAddresses returns a page of the account's look-ahead addresses on a
// branch.  Look-ahead addresses never carry a balance.
func (s *Session) UnusedAddresses(ctx context.Context, account string,
	branch wstore.Branch, page wstore.Page) ([]wstore.Address, int, error) {

	var (
		addrs []wstore.Address
		total int
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		addrs, total, err = tx.UnusedAddresses(account, branch, page)
		return err
	})
	return addrs, total, err
}

// Address returns a single visible address with its balance under the same
// policy as Addresses.
func (s *Session) Address(ctx context.Context, account string, index uint32,
	branch wstore.Branch, minConf int32, includeUnmined bool) (*AddressWithBalance, error) {

	var addr *wstore.Address
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		addr, err = tx.Address(account, index, branch)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &AddressWithBalance{Address: *addr}
	var balances []wstore.AddressBalance
	ok := s.tryStorage(ctx, func(tx wstore.Tx) error {
		var err error
		page := wstore.Page{Offset: int(index), Limit: 1}
		balances, err = tx.AddressBalances(account, branch, page, minConf, includeUnmined)
		return err
	})
	if ok && len(balances) == 1 && balances[0].Index == index {
		result.Balance = balances[0].Balance
		result.HasBalance = true
	}
	return result, nil
}

// SetAddressLabel updates the label of a generated address.
func (s *Session) SetAddressLabel(ctx context.Context, account string, index uint32,
	branch wstore.Branch, label string) (*wstore.Address, error) {

	var addr *wstore.Address
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		addr, err = tx.SetAddressLabel(account, index, branch, label)
		return err
	})
	return addr, err
}

// GenerateAddresses extends the account's generated addresses on a branch
// through lastIndex and refreshes the node filter with the new watched set.
func (s *Session) GenerateAddresses(ctx context.Context, account string,
	branch wstore.Branch, lastIndex uint32) (int, error) {

	var (
		count  int
		filter *bloom.Filter
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		count, _, err = tx.GenerateAddresses(account, branch, lastIndex)
		if err != nil {
			return err
		}
		filter, err = tx.BloomFilter()
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := s.sendFilter(filter); err != nil {
		return 0, err
	}
	return count, nil
}

// Balance returns the account balance over minConf confirmations.  Offline
// sessions include unmined outputs, since no node will confirm them.
func (s *Session) Balance(ctx context.Context, account string, minConf int32) (btcutil.Amount, error) {
	var balance btcutil.Amount
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		balance, err = tx.Balance(account, minConf, s.cfg.Offline)
		return err
	})
	return balance, err
}
