// Package plan projects a fully lowered ir.Program into the execution-plan
// document the GPU runtime parses.
//
// The schema is a fixed contract: field names, nesting, and the empty-field
// omission rule are exactly what the runtime expects, channel and op lists
// are order-significant, and channel ids are positional. The projection is
// pure, it performs no further mutation of the program.
package plan

// Plan is the top-level execution-plan document.
type Plan struct {
	Name                   string     `json:"name"`
	Collective             string     `json:"collective"`
	Protocol               string     `json:"protocol"`
	InPlace                bool       `json:"inplace"`
	Gpus                   []*GpuPlan `json:"gpus"`
	NumThreadsPerBlock     int        `json:"num_threads_per_block"`
	UseDoubleScratchBuffer bool       `json:"use_double_scratch_buffer"`
	MinMessageSize         int64      `json:"min_message_size"`
	MaxMessageSize         int64      `json:"max_message_size"`
}

// GpuPlan is one GPU's portion of the plan. Id is the position in the gpus
// list, chunk capacities are the final inferred values.
type GpuPlan struct {
	ID            int                `json:"id"`
	InputChunks   int                `json:"inputChunks"`
	OutputChunks  int                `json:"outputChunks"`
	ScratchChunks int                `json:"scratchChunks"`
	ChunkGroups   int                `json:"chunkGroups"`
	Threadblocks  []*ThreadblockPlan `json:"threadblocks"`
	Channels      []*GpuChannel      `json:"channels"`
}

// GpuChannel is one deduplicated channel group of a GPU. Ordinary channels
// carry SrcBuff/DstBuff/ConnectedTo; multicast (nvls) channels carry
// Buff/RankGroups instead, with the resolved buffer capacity per group.
type GpuChannel struct {
	SrcBuff     string       `json:"srcbuff,omitempty"`
	DstBuff     string       `json:"dstbuff,omitempty"`
	Buff        string       `json:"buff,omitempty"`
	Type        string       `json:"type"`
	ConnectedTo []int        `json:"connectedTo,omitempty"`
	RankGroups  []*RankGroup `json:"rankGroups,omitempty"`
}

// RankGroup is the target of one multicast channel.
type RankGroup struct {
	Size  int   `json:"size"`
	Ranks []int `json:"ranks"`
}

// ThreadblockPlan is one threadblock: its ops in final issue order and the
// locally used subset of the GPU's channels.
type ThreadblockPlan struct {
	ID       int          `json:"id"`
	Ops      []*OpRecord  `json:"ops"`
	Channels []*TbChannel `json:"channels"`
}

// TbChannel is a threadblock's view of one channel group: the device-wide
// channel ids it uses.
type TbChannel struct {
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	CType string `json:"ctype"`
	Cids  []int  `json:"cids"`
}

// OpRecord is one serialized instruction. Each instruction kind populates
// only the fields meaningful for it; everything left at its default is
// omitted. Offsets, ranks, counts and barrier ids are pointers because zero
// is a meaningful value for them, distinct from absent.
type OpRecord struct {
	Name          string          `json:"name"`
	Deps          []*DepRecord    `json:"deps,omitempty"`
	NThreadBlocks *int            `json:"nthread_blocks,omitempty"`
	BarrierID     *int            `json:"barrier_id,omitempty"`
	IBuff         *BuffPair       `json:"i_buff,omitempty"`
	ICids         []*ChannelID    `json:"i_cids,omitempty"`
	OBuff         *BuffPair       `json:"o_buff,omitempty"`
	OCids         []*ChannelID    `json:"o_cids,omitempty"`
	SrcRank       *int            `json:"src,omitempty"`
	Srcs          []*ChunkOperand `json:"srcs,omitempty"`
	Dsts          []*ChunkOperand `json:"dsts,omitempty"`
	SrcBuff       string          `json:"srcbuff,omitempty"`
	SrcOff        *int            `json:"srcoff,omitempty"`
	DstRank       *int            `json:"dst,omitempty"`
	DstBuff       string          `json:"dstbuff,omitempty"`
	DstOff        *int            `json:"dstoff,omitempty"`
	CType         string          `json:"ctype,omitempty"`
	Cnt           *int            `json:"cnt,omitempty"`
}

// DepRecord identifies a dependency target by its final issue-order
// position.
type DepRecord struct {
	Tb   int `json:"tb"`
	Step int `json:"step"`
}

// BuffPair is the (source buffer, destination buffer) descriptor of a
// channel access.
type BuffPair struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// ChannelID is one resolved channel reference: the id is a position within
// the threadblock's local channel list. Off is the chunk offset, absent for
// multicast channels.
type ChannelID struct {
	ID  int  `json:"id"`
	Off *int `json:"off,omitempty"`
}

// ChunkOperand is one entry of a multi-operand source/destination list.
type ChunkOperand struct {
	Buff string `json:"buff"`
	Off  int    `json:"off"`
}
