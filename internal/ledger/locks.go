package ledger

import "sync"

// referralLocks serializes read-modify-write operations per referral ID.
// Entries are refcounted and removed once the last holder releases, so the
// map does not grow with the number of referrals ever touched.
type referralLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newReferralLocks() *referralLocks {
	return &referralLocks{locks: make(map[string]*refLock)}
}

// Lock acquires the exclusive lock for a referral and returns the release
// function. Callers must defer the release so it runs on every exit path.
func (l *referralLocks) Lock(referralID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[referralID]
	if !ok {
		entry = &refLock{}
		l.locks[referralID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, referralID)
		}
		l.mu.Unlock()
	}
}
