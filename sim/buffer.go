package sim

import (
	"log"
	"sync"
)

// HookPosBufPush marks when an element is pushed into the buffer.
var HookPosBufPush = &HookPos{Name: "Buffer Push"}

// HookPosBufPop marks when an element is popped from the buffer.
var HookPosBufPop = &HookPos{Name: "Buffer Pop"}

// A Buffer is a fifo queue for anything
type Buffer interface {
	Named
	Hookable

	CanPush() bool
	Push(e interface{})
	Pop() interface{}
	Peek() interface{}
	Capacity() int
	Size() int

	// Remove all elements in the buffer and return them in order
	Clear() []interface{}
}

// NewBuffer creates a default buffer object. It is safe for concurrent use.
func NewBuffer(name string, capacity int) Buffer {
	if name == "" {
		log.Panic("buffer name must not be empty")
	}

	if capacity <= 0 {
		log.Panicf("buffer %s must have a positive capacity", name)
	}

	return &bufferImpl{
		name:     name,
		capacity: capacity,
	}
}

type bufferImpl struct {
	HookableBase

	lock     sync.Mutex
	name     string
	capacity int
	elements []interface{}
}

// Name returns the name of the buffer.
func (b *bufferImpl) Name() string {
	return b.name
}

func (b *bufferImpl) CanPush() bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.elements) < b.capacity
}

func (b *bufferImpl) Push(e interface{}) {
	b.lock.Lock()
	if len(b.elements) >= b.capacity {
		b.lock.Unlock()
		log.Panicf("buffer %s overflow", b.name)
	}

	b.elements = append(b.elements, e)
	b.lock.Unlock()

	b.invoke(HookPosBufPush, e)
}

func (b *bufferImpl) Pop() interface{} {
	b.lock.Lock()
	if len(b.elements) == 0 {
		b.lock.Unlock()
		return nil
	}

	e := b.elements[0]
	b.elements[0] = nil
	b.elements = b.elements[1:]
	b.lock.Unlock()

	b.invoke(HookPosBufPop, e)

	return e
}

func (b *bufferImpl) invoke(pos *HookPos, e interface{}) {
	if b.NumHooks() == 0 {
		return
	}

	b.InvokeHook(HookCtx{
		Domain: b,
		Pos:    pos,
		Item:   e,
	})
}

func (b *bufferImpl) Peek() interface{} {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.elements) == 0 {
		return nil
	}

	return b.elements[0]
}

func (b *bufferImpl) Capacity() int {
	return b.capacity
}

func (b *bufferImpl) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.elements)
}

func (b *bufferImpl) Clear() []interface{} {
	b.lock.Lock()
	defer b.lock.Unlock()

	elements := b.elements
	b.elements = nil

	return elements
}
