package ledgers

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/danmuck/dps_lobby/src/api/transport"
)

// MessageLog keeps the last payload the local participant sent for each
// trial, so a lagging peer can be answered for a trial already left behind.
//
// With capacity 0 the log grows for the lifetime of the session. A positive
// capacity keeps only the most recently written trials.
type MessageLog struct {
	mu      sync.RWMutex
	entries map[transport.Trial][]byte
	bounded *lru.Cache
}

func NewMessageLog(capacity int) (*MessageLog, error) {
	if capacity <= 0 {
		return &MessageLog{entries: make(map[transport.Trial][]byte)}, nil
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &MessageLog{bounded: cache}, nil
}

// Put records payload as the message sent for trial.
func (l *MessageLog) Put(trial transport.Trial, payload []byte) {
	if l.bounded != nil {
		l.bounded.Add(trial, payload)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[trial] = payload
}

func (l *MessageLog) Get(trial transport.Trial) ([]byte, bool) {
	if l.bounded != nil {
		v, ok := l.bounded.Peek(trial)
		if !ok {
			return nil, false
		}
		return v.([]byte), true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	payload, ok := l.entries[trial]
	return payload, ok
}

func (l *MessageLog) Len() int {
	if l.bounded != nil {
		return l.bounded.Len()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
