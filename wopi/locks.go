package wopi

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lock is the state of a held lock on a document.
type Lock struct {
	Token     string
	Holder    string
	Created   time.Time
	Refreshed time.Time
}

// LockConflictError is returned when a lock mutation is attempted with
// a token that doesn't match the current lock state. Held is the token
// of the governing lock, or empty if the document was unlocked.
type LockConflictError struct {
	Held string
}

func (e LockConflictError) Error() string {
	if e.Held == "" {
		return "document is not locked"
	}

	return "document is locked with another token"
}

// GetLockConflict returns the held token if err is a lock conflict.
func GetLockConflict(err error) (string, bool) {
	var e LockConflictError

	ok := errors.As(err, &e)

	return e.Held, ok
}

// LockManager tracks at most one exclusive lock per document. Lock
// tokens are opaque strings chosen by the caller; ownership is decided
// by exact token match only. Locks never expire on their own, they are
// held until an explicit unlock or an atomic token transfer.
type LockManager struct {
	store DocStore

	m     sync.Mutex
	locks map[string]*Lock
}

func NewLockManager(store DocStore) *LockManager {
	return &LockManager{
		store: store,
		locks: make(map[string]*Lock),
	}
}

// Lock acquires the lock for a document. Re-locking with the token that
// is already held refreshes the lock and succeeds.
func (lm *LockManager) Lock(
	ctx context.Context, fileID string, token string, holder string,
) (*Lock, error) {
	if token == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"a lock token is required")
	}

	// Documents are never deleted, so a positive existence check
	// stays valid after the check.
	_, err := lm.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	lm.m.Lock()
	defer lm.m.Unlock()

	now := time.Now()

	held, ok := lm.locks[fileID]
	if ok {
		if held.Token != token {
			return nil, LockConflictError{Held: held.Token}
		}

		held.Refreshed = now

		return held.copy(), nil
	}

	l := Lock{
		Token:     token,
		Holder:    holder,
		Created:   now,
		Refreshed: now,
	}

	lm.locks[fileID] = &l

	return l.copy(), nil
}

// GetLock returns the currently held lock token, or the empty string if
// the document is unlocked. It never fails.
func (lm *LockManager) GetLock(fileID string) string {
	lm.m.Lock()
	defer lm.m.Unlock()

	held, ok := lm.locks[fileID]
	if !ok {
		return ""
	}

	return held.Token
}

// RefreshLock updates the refresh timestamp of a held lock.
func (lm *LockManager) RefreshLock(
	fileID string, token string,
) (*Lock, error) {
	lm.m.Lock()
	defer lm.m.Unlock()

	held, ok := lm.locks[fileID]
	if !ok {
		return nil, LockConflictError{}
	}

	if held.Token != token {
		return nil, LockConflictError{Held: held.Token}
	}

	held.Refreshed = time.Now()

	return held.copy(), nil
}

// Unlock releases a held lock.
func (lm *LockManager) Unlock(fileID string, token string) error {
	lm.m.Lock()
	defer lm.m.Unlock()

	held, ok := lm.locks[fileID]
	if !ok {
		return LockConflictError{}
	}

	if held.Token != token {
		return LockConflictError{Held: held.Token}
	}

	delete(lm.locks, fileID)

	return nil
}

// UnlockAndRelock atomically replaces the lock token. There is no
// window in which the document is observably unlocked, so a concurrent
// Lock call can never slip in between.
func (lm *LockManager) UnlockAndRelock(
	fileID string, oldToken string, newToken string, holder string,
) (*Lock, error) {
	if newToken == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"a new lock token is required")
	}

	lm.m.Lock()
	defer lm.m.Unlock()

	held, ok := lm.locks[fileID]
	if !ok {
		return nil, LockConflictError{}
	}

	if held.Token != oldToken {
		return nil, LockConflictError{Held: held.Token}
	}

	now := time.Now()

	l := Lock{
		Token:     newToken,
		Holder:    holder,
		Created:   now,
		Refreshed: now,
	}

	lm.locks[fileID] = &l

	return l.copy(), nil
}

// CheckWrite verifies that a write guarded by the given lock header is
// allowed. Writes to unlocked documents are always allowed; when a lock
// is held the caller-supplied token must match it exactly.
func (lm *LockManager) CheckWrite(fileID string, token string) error {
	lm.m.Lock()
	defer lm.m.Unlock()

	held, ok := lm.locks[fileID]
	if !ok {
		return nil
	}

	if held.Token != token {
		return LockConflictError{Held: held.Token}
	}

	return nil
}

func (l *Lock) copy() *Lock {
	c := *l

	return &c
}
