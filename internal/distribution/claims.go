package distribution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingUpload is the claim held on a destination entry while its transfer
// is queued or running
type pendingUpload struct {
	Key       string
	Source    string
	Token     string
	ClaimedAt time.Time
}

// claimTable grants at most one pending upload per destination key. Holders
// are never waited for; a held key is simply refused.
type claimTable struct {
	mu      sync.Mutex
	pending map[string]*pendingUpload
}

func newClaimTable() *claimTable {
	return &claimTable{pending: make(map[string]*pendingUpload)}
}

// acquire claims key for source. It returns the holder and false when the
// key is already claimed.
func (t *claimTable) acquire(key, source string) (*pendingUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[key]; ok {
		copied := *existing
		return &copied, false
	}

	claim := &pendingUpload{
		Key:       key,
		Source:    source,
		Token:     uuid.NewString(),
		ClaimedAt: time.Now(),
	}
	t.pending[key] = claim

	copied := *claim
	return &copied, true
}

// release drops the claim on key if token still holds it
func (t *claimTable) release(key, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.pending[key]
	if !ok || current.Token != token {
		return false
	}
	delete(t.pending, key)
	return true
}

func (t *claimTable) held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *claimTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
