// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"errors"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/btcsuite/spvwalletd/wallet"
	"github.com/btcsuite/spvwalletd/wstore"
)

// Error types to simplify the reporting of specific categories of
// errors, and their *btcjson.RPCError creation.
type (
	// DeserializationError describes a failed deserializaion due to bad
	// user input.  It corresponds to btcjson.ErrRPCDeserialization.
	DeserializationError struct {
		error
	}

	// InvalidParameterError describes an invalid parameter passed by
	// the user.  It corresponds to btcjson.ErrRPCInvalidParameter.
	InvalidParameterError struct {
		error
	}

	// ParseError describes a failed parse due to bad user input.  It
	// corresponds to btcjson.ErrRPCParse.
	ParseError struct {
		error
	}
)

// Errors variables that are defined once here to avoid duplication below.
var (
	ErrNeedPositiveAmount = InvalidParameterError{
		errors.New("amount must be positive"),
	}

	ErrAccountNameNotFound = btcjson.RPCError{
		Code:    btcjson.ErrRPCWalletInvalidAccountName,
		Message: "account name not found",
	}

	ErrAddressNotInWallet = btcjson.RPCError{
		Code:    btcjson.ErrRPCWallet,
		Message: "address not found in wallet",
	}

	ErrNoTransactionInfo = btcjson.RPCError{
		Code:    btcjson.ErrRPCNoTxInfo,
		Message: "No information for transaction",
	}

	ErrUnavailableOffline = btcjson.RPCError{
		Code:    btcjson.ErrRPCClientNotConnected,
		Message: "method unavailable in offline mode",
	}
)

// jsonError creates a JSON-RPC error from the Go error of a wallet handler.
// Well-known wallet and store errors map to specific codes; domain errors
// keep their descriptive message; everything else falls through to the
// wallet catch-all code.
func jsonError(err error) *btcjson.RPCError {
	if err == nil {
		return nil
	}

	code := btcjson.ErrRPCWallet
	var (
		domainErr  wallet.DomainError
		storageErr wstore.StorageError
	)
	switch {
	case errors.Is(err, wstore.ErrAccountNotFound):
		return &ErrAccountNameNotFound
	case errors.Is(err, wstore.ErrAddressNotFound):
		return &ErrAddressNotInWallet
	case errors.Is(err, wstore.ErrTxNotFound):
		return &ErrNoTransactionInfo
	case errors.Is(err, wstore.ErrTxNoEffect),
		errors.Is(err, wstore.ErrAccountExists),
		errors.Is(err, wstore.ErrAccountIncomplete),
		errors.Is(err, wstore.ErrAccountComplete),
		errors.Is(err, wstore.ErrTxConfirmed):
		code = btcjson.ErrRPCInvalidParameter
	case errors.As(err, &domainErr):
		code = btcjson.ErrRPCInvalidParameter
	case errors.As(err, &storageErr):
		code = btcjson.ErrRPCInternal.Code
	}
	switch err.(type) {
	case DeserializationError:
		code = btcjson.ErrRPCDeserialization
	case InvalidParameterError:
		code = btcjson.ErrRPCInvalidParameter
	case ParseError:
		code = btcjson.ErrRPCParse.Code
	}
	return &btcjson.RPCError{
		Code:    code,
		Message: err.Error(),
	}
}
