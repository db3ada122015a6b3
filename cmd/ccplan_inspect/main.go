// ccplan_inspect prints a human-readable report of an emitted execution-plan
// JSON document: program header, per-GPU resources, and optionally the op mix
// and channel listing.
//
// Usage:
//
//	ccplan_inspect [--ops] [--channels] <plan.json>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/ccplan/plan"
)

var (
	flagOps      = flag.Bool("ops", false, "Print the per-instruction op histogram.")
	flagChannels = flag.Bool("channels", false, "Print the per-GPU channel listing.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing plan file to read. See 'ccplan_inspect -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'ccplan_inspect -help'.")
		os.Exit(1)
	}
	report(os.Stdout, args[0])
}

func report(w io.Writer, planPath string) {
	data := must.M1(os.ReadFile(planPath))
	var p plan.Plan
	must.M(json.Unmarshal(data, &p))

	fmt.Fprintln(w, titleStyle.Render("Program"))
	table := newPlainTable(false)
	table.Row("name", p.Name)
	table.Row("collective", p.Collective)
	table.Row("protocol", p.Protocol)
	table.Row("inplace", strconv.FormatBool(p.InPlace))
	table.Row("threads per block", humanize.Comma(int64(p.NumThreadsPerBlock)))
	table.Row("double scratch buffer", strconv.FormatBool(p.UseDoubleScratchBuffer))
	table.Row("message sizes", fmt.Sprintf("%s .. %s",
		humanize.Bytes(uint64(p.MinMessageSize)), humanize.Bytes(uint64(p.MaxMessageSize))))
	table.Row("# gpus", humanize.Comma(int64(len(p.Gpus))))
	fmt.Fprintln(w, table.Render())

	fmt.Fprintln(w, titleStyle.Render("GPUs"))
	table = newPlainTable(true)
	table.Row("GPU", "Threadblocks", "Ops", "Input", "Output", "Scratch", "Channels")
	for _, gpu := range p.Gpus {
		numOps := 0
		for _, tb := range gpu.Threadblocks {
			numOps += len(tb.Ops)
		}
		table.Row(
			strconv.Itoa(gpu.ID),
			humanize.Comma(int64(len(gpu.Threadblocks))),
			humanize.Comma(int64(numOps)),
			chunks(gpu.InputChunks),
			chunks(gpu.OutputChunks),
			chunks(gpu.ScratchChunks),
			humanize.Comma(int64(len(gpu.Channels))))
	}
	fmt.Fprintln(w, table.Render())

	if *flagOps {
		reportOps(w, &p)
	}
	if *flagChannels {
		reportChannels(w, &p)
	}
}

func chunks(n int) string {
	return fmt.Sprintf("%s chunks", humanize.Comma(int64(n)))
}

func reportOps(w io.Writer, p *plan.Plan) {
	counts := make(map[string]int)
	for _, gpu := range p.Gpus {
		for _, tb := range gpu.Threadblocks {
			for _, op := range tb.Ops {
				counts[op.Name]++
			}
		}
	}
	fmt.Fprintln(w, titleStyle.Render("Ops"))
	table := newPlainTable(true)
	table.Row("Instruction", "Count")
	names := maps.Keys(counts)
	slices.Sort(names)
	for _, name := range names {
		table.Row(name, humanize.Comma(int64(counts[name])))
	}
	fmt.Fprintln(w, table.Render())
}

func reportChannels(w io.Writer, p *plan.Plan) {
	fmt.Fprintln(w, titleStyle.Render("Channels"))
	table := newPlainTable(true)
	table.Row("GPU", "Type", "Buffers", "Connected To")
	for _, gpu := range p.Gpus {
		for _, ch := range gpu.Channels {
			if ch.Type == "nvls" {
				groups := make([]string, 0, len(ch.RankGroups))
				for _, g := range ch.RankGroups {
					groups = append(groups, fmt.Sprintf("%v (%s)", g.Ranks, chunks(g.Size)))
				}
				table.Row(strconv.Itoa(gpu.ID), ch.Type, ch.Buff, fmt.Sprint(groups))
				continue
			}
			table.Row(strconv.Itoa(gpu.ID), ch.Type,
				fmt.Sprintf("%s->%s", ch.SrcBuff, ch.DstBuff), fmt.Sprint(ch.ConnectedTo))
		}
	}
	fmt.Fprintln(w, table.Render())
}
