// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"errors"
	"fmt"
)

// Errors returned for missing wallet entities.  These abort the requesting
// operation and are surfaced to the caller verbatim.
var (
	// ErrAccountNotFound describes a lookup of an account name that does
	// not exist in the store.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists describes an attempt to create an account with a
	// name that is already taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrAddressNotFound describes a lookup of an address index that has
	// not been generated for the account.
	ErrAddressNotFound = errors.New("address not found")

	// ErrTxNotFound describes a lookup of a transaction hash with no
	// record in the account.
	ErrTxNotFound = errors.New("transaction not found")
)

// Domain errors returned when an operation would violate a wallet
// invariant.  These are never silently defaulted.
var (
	// ErrTxNoEffect is returned by ImportTx and SignTx when the processed
	// transaction does not create or complete any record for the target
	// account.
	ErrTxNoEffect = errors.New("transaction has no effect on this account")

	// ErrAccountIncomplete is returned when an operation requires all
	// co-signer keys of a multisig account to be present.
	ErrAccountIncomplete = errors.New("account is missing co-signer keys")

	// ErrAccountComplete is returned when keys are added to an account
	// that already holds its full co-signer key set.
	ErrAccountComplete = errors.New("account already has all keys")

	// ErrTxConfirmed is returned when attempting to modify or remove a
	// transaction that has already confirmed.
	ErrTxConfirmed = errors.New("transaction is already confirmed")
)

// StorageError describes a fault of the underlying database, as opposed to a
// missing entity or a violated wallet invariant.  The strict storage gateway
// propagates these while the best-effort gateway logs the description and
// degrades to an absent result.
type StorageError struct {
	Desc string
	Err  error
}

// Error satisfies the error interface.
func (e StorageError) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying database error.
func (e StorageError) Unwrap() error { return e.Err }

// storeError wraps an underlying database fault with a description of the
// failed operation.
func storeError(desc string, err error) error {
	return StorageError{Desc: desc, Err: err}
}

// storeErrorf is like storeError with formatting.
func storeErrorf(err error, format string, args ...interface{}) error {
	return StorageError{Desc: fmt.Sprintf(format, args...), Err: err}
}
