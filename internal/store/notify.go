package store

import (
	"sync"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/devicemode"
)

// notifier is the in-process change bus. Subscribers get the fresh row
// after every write that touches it. Callbacks run on the writer's
// goroutine and must not block.
type notifier struct {
	mu         sync.Mutex
	nextID     int
	cmdSubs    map[string]map[int]func(*command.Command)
	statusSubs map[string]map[int]func(*devicemode.DeviceStatus)
}

func newNotifier() *notifier {
	return &notifier{
		cmdSubs:    make(map[string]map[int]func(*command.Command)),
		statusSubs: make(map[string]map[int]func(*devicemode.DeviceStatus)),
	}
}

func (n *notifier) subscribeCommand(id string, fn func(*command.Command)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	subID := n.nextID
	if n.cmdSubs[id] == nil {
		n.cmdSubs[id] = make(map[int]func(*command.Command))
	}
	n.cmdSubs[id][subID] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.cmdSubs[id], subID)
		if len(n.cmdSubs[id]) == 0 {
			delete(n.cmdSubs, id)
		}
	}
}

func (n *notifier) notifyCommand(row *command.Command) {
	n.mu.Lock()
	fns := make([]func(*command.Command), 0, len(n.cmdSubs[row.ID]))
	for _, fn := range n.cmdSubs[row.ID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(row)
	}
}

func (n *notifier) subscribeStatus(deviceID string, fn func(*devicemode.DeviceStatus)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	subID := n.nextID
	if n.statusSubs[deviceID] == nil {
		n.statusSubs[deviceID] = make(map[int]func(*devicemode.DeviceStatus))
	}
	n.statusSubs[deviceID][subID] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.statusSubs[deviceID], subID)
		if len(n.statusSubs[deviceID]) == 0 {
			delete(n.statusSubs, deviceID)
		}
	}
}

func (n *notifier) notifyStatus(row *devicemode.DeviceStatus) {
	n.mu.Lock()
	fns := make([]func(*devicemode.DeviceStatus), 0, len(n.statusSubs[row.DeviceID]))
	for _, fn := range n.statusSubs[row.DeviceID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(row)
	}
}
