// Package timerlist implements the ordered last-activity list used to
// track per-tunnel deadlines for one timeout class (connect,
// established, broken, or udp-idle). Because entries are appended at
// the tail on refresh and time only moves forward, the list stays
// sorted by deadline without ever comparing two deadlines against
// each other.
package timerlist

import "time"

// Entry is one {deadline, owner} pair tracked by a TimerList. The
// zero value is not usable; obtain one from TimerList.PushBack.
type Entry struct {
	Owner    any
	deadline time.Time
	list     *TimerList
	prev     *Entry
	next     *Entry
}

// Deadline returns the entry's current expiry time.
func (e *Entry) Deadline() time.Time {
	return e.deadline
}

// TimerList is a doubly-linked list of Entry values sorted by
// deadline ascending. All operations are O(1) except DrainExpired,
// which is O(k) for k expired entries.
type TimerList struct {
	head *Entry
	tail *Entry
	n    int
}

// Len returns the number of entries currently tracked.
func (l *TimerList) Len() int {
	return l.n
}

// PushBack appends a new entry at the tail of the list.
func (l *TimerList) PushBack(deadline time.Time, owner any) *Entry {
	e := &Entry{Owner: owner, deadline: deadline, list: l}
	l.linkTail(e)
	return e
}

// Erase removes e from the list. It is a no-op when e is nil or does
// not currently belong to this list (already erased, already drained,
// or held by another list).
func (l *TimerList) Erase(e *Entry) {
	if e == nil || e.list != l {
		return
	}
	l.unlink(e)
	e.list = nil
}

// Refresh bumps e's deadline to t and moves it to the tail, unless e
// is already the tail and its deadline already equals t (the common
// case when many tunnels are refreshed within the same reactor tick),
// in which case it is a no-op.
func (l *TimerList) Refresh(t time.Time, e *Entry) {
	if e == nil || e.list != l {
		return
	}
	if e == l.tail && e.deadline.Equal(t) {
		return
	}
	l.unlink(e)
	e.deadline = t
	l.linkTail(e)
}

// DrainExpired removes and returns, in deadline order, every entry
// whose deadline is <= now.
func (l *TimerList) DrainExpired(now time.Time) []*Entry {
	var out []*Entry
	for l.head != nil && !l.head.deadline.After(now) {
		e := l.head
		l.unlink(e)
		e.list = nil
		out = append(out, e)
	}
	return out
}

func (l *TimerList) linkTail(e *Entry) {
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.n++
}

func (l *TimerList) unlink(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	l.n--
}
