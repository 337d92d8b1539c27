package review

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConfigured       = errors.New("review: preferences not configured")
	ErrAlreadyRunning      = errors.New("review: another review is in progress")
	ErrTerminal            = errors.New("review: review is in a terminal state")
	ErrNotFound            = errors.New("review: not found")
	ErrUnconfirmedAccounts = errors.New("review: accounts pending confirmation")
	ErrVendorsIncomplete   = errors.New("review: vendor scopes incomplete")
	ErrConflict            = errors.New("review: conflicting concurrent update")
	ErrImmutableEvent      = errors.New("review: user events are append-only")
)

// UnconfirmedAccountsError names the objects blocking a vendor completion.
type UnconfirmedAccountsError struct {
	ObjectIDs []string
}

func (e *UnconfirmedAccountsError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnconfirmedAccounts, strings.Join(e.ObjectIDs, ", "))
}

func (e *UnconfirmedAccountsError) Unwrap() error { return ErrUnconfirmedAccounts }

// VendorsIncompleteError names the scopes blocking a review completion.
type VendorsIncompleteError struct {
	ScopeIDs []string
}

func (e *VendorsIncompleteError) Error() string {
	return fmt.Sprintf("%v: %s", ErrVendorsIncomplete, strings.Join(e.ScopeIDs, ", "))
}

func (e *VendorsIncompleteError) Unwrap() error { return ErrVendorsIncomplete }
