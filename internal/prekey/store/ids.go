package store

import (
	"fmt"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
)

// allocateIDs hands out n ids starting at next, wrapping inside
// [1, MaxPreKeyID] and skipping ids still held by stored keys.
func allocateIDs(next uint32, n int, taken map[uint32]struct{}) ([]uint32, uint32, error) {
	if n <= 0 {
		return nil, next, nil
	}
	if len(taken)+n > constants.MaxPreKeyID {
		return nil, next, fmt.Errorf("key id space exhausted: %d taken, %d requested", len(taken), n)
	}

	ids := make([]uint32, 0, n)
	id := next
	for len(ids) < n {
		if id == 0 || id > constants.MaxPreKeyID {
			id = 1
		}
		if _, ok := taken[id]; !ok {
			ids = append(ids, id)
		}
		id++
	}

	if id > constants.MaxPreKeyID {
		id = 1
	}
	return ids, id, nil
}
