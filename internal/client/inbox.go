// ABOUTME: Move-to-front conversation list kept by a client for its sidebar
// ABOUTME: Updates are O(1) through a linked list plus an index map

package client

import (
	"container/list"
	"sync"
	"time"
)

// Conversation is one row of the inbox.
type Conversation struct {
	Peer        string
	LastMessage string
	Timestamp   time.Time
	Unread      int
}

// Inbox orders conversations by most recent activity. It is safe for
// concurrent use.
type Inbox struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Load replaces the inbox with rows already ordered most recent first.
func (b *Inbox) Load(rows []Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.order.Init()
	b.index = make(map[string]*list.Element, len(rows))
	for _, row := range rows {
		if _, dup := b.index[row.Peer]; dup {
			continue
		}
		r := row
		b.index[row.Peer] = b.order.PushBack(&r)
	}
}

// Touch records activity with peer and moves it to the front. Activity
// older than the current last message updates nothing but the unread count.
func (b *Inbox) Touch(peer, lastMessage string, at time.Time, unread bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.index[peer]
	if !ok {
		row := &Conversation{Peer: peer, LastMessage: lastMessage, Timestamp: at}
		if unread {
			row.Unread = 1
		}
		b.index[peer] = b.order.PushFront(row)
		return
	}

	row := elem.Value.(*Conversation)
	if unread {
		row.Unread++
	}
	if at.Before(row.Timestamp) {
		return
	}
	row.LastMessage = lastMessage
	row.Timestamp = at
	b.order.MoveToFront(elem)
}

// MarkRead clears the unread count for peer.
func (b *Inbox) MarkRead(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.index[peer]; ok {
		elem.Value.(*Conversation).Unread = 0
	}
}

// Get returns the row for peer.
func (b *Inbox) Get(peer string) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.index[peer]
	if !ok {
		return Conversation{}, false
	}
	return *elem.Value.(*Conversation), true
}

// List returns a copy of the rows, most recent first.
func (b *Inbox) List() []Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]Conversation, 0, b.order.Len())
	for e := b.order.Front(); e != nil; e = e.Next() {
		rows = append(rows, *e.Value.(*Conversation))
	}
	return rows
}

// Len returns the number of conversations.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}
