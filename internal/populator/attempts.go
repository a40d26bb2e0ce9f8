package populator

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
)

const defaultAttemptCacheSize = 4096

// attemptTracker counts failed processing attempts per message. The count
// is local to this process; the broker's delivery count, when present,
// covers attempts made by other consumers.
type attemptTracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, int64]
}

func newAttemptTracker(size int) (*attemptTracker, error) {
	if size <= 0 {
		size = defaultAttemptCacheSize
	}
	cache, err := lru.New[string, int64](size)
	if err != nil {
		return nil, err
	}
	return &attemptTracker{cache: cache}, nil
}

// attemptKey identifies a message across redeliveries
func attemptKey(messageID string, body []byte) string {
	if messageID != "" {
		return "id:" + messageID
	}
	return "xxh3:" + strconv.FormatUint(xxh3.Hash(body), 16)
}

// Fail records a failed attempt and returns the total so far.
// deliveryCount is the broker's count of earlier deliveries.
func (t *attemptTracker) Fail(key string, deliveryCount int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _ := t.cache.Get(key)
	n++
	if fromBroker := deliveryCount + 1; fromBroker > n {
		n = fromBroker
	}
	t.cache.Add(key, n)
	return n
}

// Forget drops the count once a message is settled
func (t *attemptTracker) Forget(key string) {
	t.cache.Remove(key)
}
