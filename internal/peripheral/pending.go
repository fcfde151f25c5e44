package peripheral

import (
	"github.com/go-ble/ble"
	"github.com/srg/desklink/internal/device"
)

// category groups operations that may not overlap on one connection
type category int

const (
	opConnect category = iota
	opDiscoverServices
	opDiscoverCharacteristics
	opDiscoverDescriptors
	opRead
	opWrite
	opNotify
)

var categoryNames = [...]string{
	opConnect:                 "connect",
	opDiscoverServices:        "discover-services",
	opDiscoverCharacteristics: "discover-characteristics",
	opDiscoverDescriptors:     "discover-descriptors",
	opRead:                    "read",
	opWrite:                   "write",
	opNotify:                  "set-notify",
}

func (c category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// pending is one outstanding hardware-bound request. It is resolved exactly
// once; every mutation happens under Bridge.mu.
type pending struct {
	cat     category
	tag     device.Tag
	service *ble.Service
	char    *ble.Characteristic

	// waiters counts callers blocked on the operation (reads are shared)
	waiters int

	done  chan struct{}
	event device.Event
	err   error
}

func newPending(cat category, tag device.Tag, svc *ble.Service, char *ble.Characteristic) *pending {
	return &pending{
		cat:     cat,
		tag:     tag,
		service: svc,
		char:    char,
		waiters: 1,
		done:    make(chan struct{}),
	}
}

// resolve completes the operation. Returns false if it was already resolved.
func (p *pending) resolve(ev device.Event, err error) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	p.event = ev
	p.err = err
	close(p.done)
	return true
}

func (p *pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// matches reports whether ev is the answer to this operation
func (p *pending) matches(ev device.Event) bool {
	if ev.Tag != p.tag {
		return false
	}
	switch p.cat {
	case opDiscoverCharacteristics:
		return ev.Service == p.service
	case opDiscoverDescriptors, opRead, opWrite, opNotify:
		return ev.Characteristic == p.char
	default:
		return true
	}
}
