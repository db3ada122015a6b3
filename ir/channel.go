package ir

import (
	"fmt"
	"slices"
)

// ChannelType is the kind of communication path a channel uses. The string
// values are the wire names of the plan schema.
type ChannelType string

const (
	// ChannelSm is a point-to-point channel driven by the threadblock itself.
	ChannelSm ChannelType = "sm"

	// ChannelProxy is a point-to-point channel driven by a host-side proxy.
	ChannelProxy ChannelType = "proxy"

	// ChannelNvls is a multicast channel whose connection target is a set of
	// ranks rather than one rank.
	ChannelNvls ChannelType = "nvls"

	// ChannelNone marks ops that need no channel. Channels of this type are
	// dropped from the emitted plan.
	ChannelNone ChannelType = "none"
)

// Channel is a communication path between specific buffer kinds, declared by
// a threadblock and later deduplicated device-wide by the channel allocator.
//
// ConnectedTo holds exactly one rank unless Type is ChannelNvls.
type Channel struct {
	SrcBuffer   Buffer
	DstBuffer   Buffer
	Type        ChannelType
	ConnectedTo []int
}

// String implements fmt.Stringer.
func (ch Channel) String() string {
	return fmt.Sprintf("%s->%s/%s%v", ch.SrcBuffer, ch.DstBuffer, ch.Type, ch.ConnectedTo)
}

// Key returns the deduplication key of the channel.
func (ch Channel) Key() ChannelKey {
	return ChannelKey{SrcBuffer: ch.SrcBuffer, DstBuffer: ch.DstBuffer, Type: ch.Type}
}

// ChannelKey groups channels that share buffers and kind: the position of an
// entry within its key's sorted list is its device-wide channel id.
type ChannelKey struct {
	SrcBuffer Buffer
	DstBuffer Buffer
	Type      ChannelType
}

// ChannelEntry is one deduplicated channel of a device: the threadblock that
// declared it and its connection target.
type ChannelEntry struct {
	Threadblock int
	ConnectedTo []int
}

// ChannelTable is a per-device ordered table from ChannelKey to its channel
// entries. Key order is first-appearance order, which the serializer relies
// on for reproducible output; entries within a key are kept sorted by the
// allocator so their positions are the channel ids.
type ChannelTable struct {
	keys    []ChannelKey
	entries map[ChannelKey][]ChannelEntry
}

// Append adds an entry under key, registering the key on first use.
func (t *ChannelTable) Append(key ChannelKey, entry ChannelEntry) {
	if t.entries == nil {
		t.entries = make(map[ChannelKey][]ChannelEntry)
	}
	if _, found := t.entries[key]; !found {
		t.keys = append(t.keys, key)
	}
	t.entries[key] = append(t.entries[key], entry)
}

// Keys returns the table's keys in first-appearance order.
func (t *ChannelTable) Keys() []ChannelKey {
	return t.keys
}

// Entries returns the entries registered under key.
func (t *ChannelTable) Entries(key ChannelKey) []ChannelEntry {
	return t.entries[key]
}

// Len returns the number of distinct keys.
func (t *ChannelTable) Len() int {
	return len(t.keys)
}

// SortEntries sorts every key's entries by (threadblock id, connection
// target), the order that defines channel ids.
func (t *ChannelTable) SortEntries() {
	for _, key := range t.keys {
		slices.SortFunc(t.entries[key], func(a, b ChannelEntry) int {
			if a.Threadblock != b.Threadblock {
				return a.Threadblock - b.Threadblock
			}
			return slices.Compare(a.ConnectedTo, b.ConnectedTo)
		})
	}
}
