package model

// MemoryAllocation tracks one declared allocation against the MemoryManager's
// ledger.
type MemoryAllocation struct {
	ID         string
	SizeBytes  int64
	Priority   int
	OwnerModel string
	Swapped    bool
	Compressed bool
}
