package scratch

type AllocateScratchMemoryCallback func(
	allocator *Allocator,
	tier Tier,
	size int,
	userData any,
)

type FreeScratchMemoryCallback func(
	allocator *Allocator,
	tier Tier,
	size int,
	userData any,
)

// MemoryCallbackOptions is an optional set of callbacks that are executed whenever a scratch buffer
// is committed to or released from a tier
type MemoryCallbackOptions struct {
	Allocate AllocateScratchMemoryCallback
	Free     FreeScratchMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(tier int, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, Tier(tier), size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(tier int, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, Tier(tier), size, c.Callbacks.UserData)
	}
}
