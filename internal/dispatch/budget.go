package dispatch

import "sync"

// acquireOutcome reports why a budget slot was or was not granted.
type acquireOutcome struct {
	ok               bool
	globalExhausted  bool
	accountExhausted bool
}

// budget tracks the remaining enqueue allowance of one dispatch run. It is
// shared by the per-account goroutines of that run only; concurrent runs
// each carry their own budget and rely on the reservation store for
// cross-run correctness.
type budget struct {
	mu         sync.Mutex
	global     int
	perAccount map[uint]int
}

// newBudget initializes the run's allowance from the caller-supplied caps.
// A cap <= 0 means unlimited for that dimension and is stored as -1.
func newBudget(globalCap, perAccountCap int, accountIDs []uint) *budget {
	if globalCap <= 0 {
		globalCap = -1
	}
	if perAccountCap <= 0 {
		perAccountCap = -1
	}
	per := make(map[uint]int, len(accountIDs))
	for _, id := range accountIDs {
		per[id] = perAccountCap
	}
	return &budget{global: globalCap, perAccount: per}
}

// acquire consumes one slot for the account. When denied, the outcome names
// every cap that is exhausted so the caller can count the truncation exactly.
func (b *budget) acquire(accountID uint) acquireOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	globalOut := b.global == 0
	accountOut := b.perAccount[accountID] == 0
	if globalOut || accountOut {
		return acquireOutcome{globalExhausted: globalOut, accountExhausted: accountOut}
	}

	if b.global > 0 {
		b.global--
	}
	if b.perAccount[accountID] > 0 {
		b.perAccount[accountID]--
	}
	return acquireOutcome{ok: true}
}

// globalExhausted reports whether the run's global allowance is fully spent.
func (b *budget) globalExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global == 0
}

// release returns a slot consumed by acquire. Used when the candidate turned
// out to be a skip, so skips never consume cap.
func (b *budget) release(accountID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.global >= 0 {
		b.global++
	}
	if v, found := b.perAccount[accountID]; found && v >= 0 {
		b.perAccount[accountID] = v + 1
	}
}
