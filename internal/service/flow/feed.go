package flow

import (
	"sync"
	"time"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
)

// Event describes one applied transition.
type Event struct {
	SessionKey string          `json:"sessionKey"`
	From       model.FlowState `json:"from"`
	To         model.FlowState `json:"to"`
	Forced     bool            `json:"forced"`
	At         time.Time       `json:"at"`
}

// Feed 把状态变化扇出给订阅者；订阅者处理不过来时丢弃事件，不阻塞状态机
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel of events and a cancel func that
// closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room and returns how many
// subscribers missed it.
func (f *Feed) Publish(ev Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers reports the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
