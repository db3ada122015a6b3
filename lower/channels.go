package lower

import (
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"github.com/gomlx/ccplan/ir"
	"github.com/gomlx/ccplan/types"
)

type declaredChannel struct {
	key         ir.ChannelKey
	threadblock int
	target      string
}

// allocateChannels builds each GPU's channel table: threadblocks are stably
// ordered by id, every declared channel is appended under its (source buffer,
// destination buffer, kind) key, duplicate declarations are dropped, and each
// key's entries are sorted by (threadblock id, connection target). The
// position of an entry within its key's sorted list is its channel id, so the
// assignment is reproducible regardless of declaration order.
//
// Multicast targets are normalized to sorted rank lists first: rank-set
// equality, not declaration order, decides whether two nvls channels are the
// same channel.
func allocateChannels(program *ir.Program) {
	for _, gpu := range program.Gpus {
		slices.SortStableFunc(gpu.Threadblocks, func(a, b *ir.Threadblock) int {
			return a.ID - b.ID
		})
		gpu.Channels = ir.ChannelTable{}
		seen := types.MakeSet[declaredChannel]()
		for _, tb := range gpu.Threadblocks {
			for _, ch := range tb.Channels {
				target := ch.ConnectedTo
				if ch.Type == ir.ChannelNvls {
					target = slices.Clone(target)
					slices.Sort(target)
				}
				decl := declaredChannel{key: ch.Key(), threadblock: tb.ID, target: fmt.Sprint(target)}
				if seen.Has(decl) {
					continue
				}
				seen.Insert(decl)
				gpu.Channels.Append(ch.Key(), ir.ChannelEntry{Threadblock: tb.ID, ConnectedTo: target})
			}
		}
		gpu.Channels.SortEntries()
		klog.V(2).Infof("lower: gpu %d channel table has %d keys, %d channels",
			gpu.Rank, gpu.Channels.Len(), len(seen))
	}
}
