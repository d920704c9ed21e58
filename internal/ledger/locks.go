package ledger

import "sync"

// keyedMutex serializes read-modify-write cycles per entity key within this
// process. Cross-instance races are caught by the store's version checks.
//
// Lock ordering is fixed by entity: curve, then buyer, then escrow, then
// deployer. Callers acquiring more than one key follow that order.
type keyedMutex struct {
	locks sync.Map // key → *sync.Mutex
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	m, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func curveLockKey(mint string) string        { return "curve:" + mint }
func buyerLockKey(mint, buyer string) string { return "buyer:" + mint + ":" + buyer }
func escrowLockKey(mint string) string       { return "escrow:" + mint }
func deployerLockKey(addr string) string     { return "deployer:" + addr }
