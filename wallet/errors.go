// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "fmt"

// DomainError describes a request that violates a wallet invariant, such as
// rescanning a wallet without addresses or importing a transaction with no
// effect on the target account.  Domain errors are caller mistakes and are
// reported as such, never silently defaulted.
type DomainError struct {
	Desc string
}

// Error satisfies the error interface.
func (e DomainError) Error() string {
	return e.Desc
}

func domainErrorf(format string, args ...interface{}) DomainError {
	return DomainError{Desc: fmt.Sprintf(format, args...)}
}
