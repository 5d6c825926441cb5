package dispatch

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/models"
)

// DefaultMailboxSize bounds how many undelivered group messages a member may hold.
const DefaultMailboxSize = 32

// Member is one connection's subscription handle. Messages broadcast to any
// group it belongs to arrive on Events in broadcast order.
type Member struct {
	ID    string
	inbox chan models.Message
}

func NewMember(id string, size int) *Member {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Member{ID: id, inbox: make(chan models.Message, size)}
}

func (m *Member) Events() <-chan models.Message { return m.inbox }

func (m *Member) deliver(msg models.Message) bool {
	select {
	case m.inbox <- msg:
		return true
	default:
		return false
	}
}

// Groups maps a group id (the order's session key) to its members.
type Groups struct {
	mu     sync.Mutex
	groups map[string]map[*Member]struct{}
	logger logrus.FieldLogger
}

func NewGroups(logger logrus.FieldLogger) *Groups {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Groups{groups: make(map[string]map[*Member]struct{}), logger: logger}
}

func (g *Groups) Join(id string, m *Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.groups[id]
	if !ok {
		members = make(map[*Member]struct{})
		g.groups[id] = members
	}
	members[m] = struct{}{}
}

func (g *Groups) Leave(id string, m *Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.groups[id]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(g.groups, id)
	}
}

// Broadcast delivers msg to every member of id and returns how many received
// it. The lock is held for the whole fan-out so concurrent broadcasts to one
// group reach all members in the same order.
func (g *Groups) Broadcast(id string, msg models.Message) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for m := range g.groups[id] {
		if m.deliver(msg) {
			n++
			continue
		}
		g.logger.WithFields(logrus.Fields{"group": id, "member": m.ID, "message_type": msg.MessageType}).
			Warn("mailbox full, dropping group message")
	}
	return n
}

// Disband removes the group. Messages already delivered stay in the mailboxes.
func (g *Groups) Disband(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.groups, id)
}

func (g *Groups) Size(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups[id])
}
