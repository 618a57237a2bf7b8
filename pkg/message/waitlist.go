package message

// Waitlist parks received messages that reference entity handles not yet
// present in the local world. A message waits on the set of its unresolved
// handles; as handles resolve, the wait count drops, and at zero the message
// moves to the ready queue.
type Waitlist struct {
	nextID   uint64
	waiting  map[uint64]*waitingMessage
	byHandle map[EntityHandle][]uint64
	ready    []Container
}

type waitingMessage struct {
	msg       Container
	remaining int
}

// NewWaitlist returns an empty waitlist.
func NewWaitlist() *Waitlist {
	return &Waitlist{
		waiting:  make(map[uint64]*waitingMessage),
		byHandle: make(map[EntityHandle][]uint64),
	}
}

// Queue parks a message until every handle in missing has resolved. missing
// must be non-empty.
func (wl *Waitlist) Queue(msg Container, missing []EntityHandle) {
	id := wl.nextID
	wl.nextID++
	wl.waiting[id] = &waitingMessage{msg: msg, remaining: len(missing)}
	for _, h := range missing {
		wl.byHandle[h] = append(wl.byHandle[h], id)
	}
}

// ResolveHandle records that a global handle now exists locally, releasing
// any messages whose last unresolved handle this was.
func (wl *Waitlist) ResolveHandle(h EntityHandle) {
	ids, ok := wl.byHandle[h]
	if !ok {
		return
	}
	delete(wl.byHandle, h)
	for _, id := range ids {
		wm, ok := wl.waiting[id]
		if !ok {
			continue
		}
		wm.remaining--
		if wm.remaining == 0 {
			delete(wl.waiting, id)
			wl.ready = append(wl.ready, wm.msg)
		}
	}
}

// DrainReady returns and clears the released messages, in resolution order.
func (wl *Waitlist) DrainReady() []Container {
	out := wl.ready
	wl.ready = nil
	return out
}

// Waiting reports how many messages are parked.
func (wl *Waitlist) Waiting() int {
	return len(wl.waiting)
}
