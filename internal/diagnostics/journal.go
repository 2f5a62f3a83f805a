package diagnostics

import (
	"context"
	"encoding/json"
	"time"

	"diagsched/internal/eventbus"
	"diagsched/internal/storage"
	logx "diagsched/pkg/logx"
)

// Journal copies diagnostic bus events into a storage.Store.
//
// The bus subscription is taken in NewJournal so events published before Run
// starts are not lost.
type Journal struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

// NewJournal returns a Journal; buffer is the bus subscription size (<= 0 means 64).
func NewJournal(bus eventbus.Bus, store storage.Store, buffer int, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	j := &Journal{store: store, log: log, unsub: func() {}}
	if bus != nil && store != nil {
		j.events, j.unsub = bus.SubscribePrefix(buffer, TypePrefix)
	}
	return j
}

// Close drops the bus subscription. Run returns once it has drained what was
// already buffered.
func (j *Journal) Close() { j.unsub() }

// Run drains diagnostic events into the store until ctx is canceled.
// Events still buffered at cancellation are flushed before returning.
func (j *Journal) Run(ctx context.Context) error {
	if j.events == nil {
		<-ctx.Done()
		return nil
	}
	defer j.unsub()

	for {
		select {
		case <-ctx.Done():
			j.flush(j.events)
			return nil
		case e, ok := <-j.events:
			if !ok {
				return nil
			}
			// A write already dequeued finishes even if ctx is canceled meanwhile.
			j.write(context.WithoutCancel(ctx), e)
		}
	}
}

func (j *Journal) flush(events <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e eventbus.Event) {
	var data json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			j.log.Debug("journal: event payload not serializable", logx.String("type", e.Type), logx.Err(err))
		} else {
			data = b
		}
	}
	if err := j.store.AppendEvent(ctx, storage.Event{At: e.Time, Type: e.Type, Data: data}); err != nil {
		j.log.Warn("journal append failed", logx.String("type", e.Type), logx.Err(err))
	}
}
