package consumers

import (
	"sort"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

type partitionKey struct {
	topic     string
	partition int32
}

type trackedOffset struct {
	offset int64
	done   bool
}

// OffsetTracker holds per-partition checkpoint state for the messages read
// but not yet committed. It is not safe for concurrent use; the poll task
// owns it.
type OffsetTracker struct {
	partitions map[partitionKey][]trackedOffset
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{partitions: make(map[partitionKey][]trackedOffset)}
}

// Track records a newly read offset as in flight.
func (t *OffsetTracker) Track(o types.Offset) {
	key := partitionKey{o.Topic, o.Partition}
	list := t.partitions[key]
	i := sort.Search(len(list), func(i int) bool { return list[i].offset >= o.Offset })
	if i < len(list) && list[i].offset == o.Offset {
		return
	}
	list = append(list, trackedOffset{})
	copy(list[i+1:], list[i:])
	list[i] = trackedOffset{offset: o.Offset}
	t.partitions[key] = list
}

// Done marks an offset as durably handled. Unknown offsets are ignored.
func (t *OffsetTracker) Done(o types.Offset) {
	list := t.partitions[partitionKey{o.Topic, o.Partition}]
	i := sort.Search(len(list), func(i int) bool { return list[i].offset >= o.Offset })
	if i < len(list) && list[i].offset == o.Offset {
		list[i].done = true
	}
}

// Committable removes the contiguous done prefix of every partition and
// returns, per partition, the highest offset in that prefix. The broker
// commit position is that offset plus one.
func (t *OffsetTracker) Committable() []types.Offset {
	var out []types.Offset
	for key, list := range t.partitions {
		n := 0
		for n < len(list) && list[n].done {
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, types.Offset{Topic: key.topic, Partition: key.partition, Offset: list[n-1].offset})
		if n == len(list) {
			delete(t.partitions, key)
		} else {
			t.partitions[key] = list[n:]
		}
	}
	sortOffsets(out)
	return out
}

// Lowest returns, per partition, the lowest offset still tracked. Seeking
// there redelivers every uncommitted message.
func (t *OffsetTracker) Lowest() []types.Offset {
	out := make([]types.Offset, 0, len(t.partitions))
	for key, list := range t.partitions {
		out = append(out, types.Offset{Topic: key.topic, Partition: key.partition, Offset: list[0].offset})
	}
	sortOffsets(out)
	return out
}

// Pending is the number of tracked offsets not yet committable.
func (t *OffsetTracker) Pending() int {
	n := 0
	for _, list := range t.partitions {
		n += len(list)
	}
	return n
}

func sortOffsets(offsets []types.Offset) {
	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].Topic != offsets[j].Topic {
			return offsets[i].Topic < offsets[j].Topic
		}
		return offsets[i].Partition < offsets[j].Partition
	})
}
