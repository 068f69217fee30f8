package vringh

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/virtqueue"
)

// Complete publishes that the chain starting at head is done and length bytes
// were written into its writable buffers.
func (r *Ring[M]) Complete(head uint16, length uint32) error {
	return r.CompleteMulti([]virtqueue.UsedElement{{DescriptorIndex: uint32(head), Length: length}})
}

// CompleteMulti publishes several completions with a single used index
// update. At most [Ring.Num] completions can be published at once.
func (r *Ring[M]) CompleteMulti(used []virtqueue.UsedElement) error {
	n := len(used)
	if n == 0 {
		return nil
	}
	if n > r.num {
		return fmt.Errorf("%w: %d > %d", ErrTooManyCompletions, n, r.num)
	}

	usedIdx := r.lastUsedIdx + uint16(r.completed)
	off := int(usedIdx) % r.num

	var err error
	if off+n > r.num {
		part := r.num - off
		err = r.putUsed(off, used[:part])
		if err == nil {
			err = r.putUsed(0, used[part:])
		}
	} else {
		err = r.putUsed(off, used)
	}
	if err != nil {
		r.bad("Failed to write used entries", logrus.Fields{"count": n, "offset": off})
		return fmt.Errorf("write %d used entries at %d: %w", n, off, err)
	}

	// Make sure the entries are written before we update the index.
	r.writeBarrier()

	addr := r.used + virtqueue.RingIndexOffset
	if err := r.mem.Store16(addr, usedIdx+uint16(n)); err != nil {
		r.bad("Failed to update used index", logrus.Fields{"addr": addr})
		return fmt.Errorf("update used index: %w", err)
	}

	r.completed += uint32(n)
	return nil
}

func (r *Ring[M]) putUsed(slot int, used []virtqueue.UsedElement) error {
	b := r.usedBuf[:len(used)*virtqueue.UsedElementSize]
	virtqueue.EncodeUsedElements(b, used)
	return r.mem.CopyTo(r.used+uint64(virtqueue.UsedRingEntryOffset(slot)), b)
}
