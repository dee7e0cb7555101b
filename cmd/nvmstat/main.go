// Command nvmstat is an operator-facing inspection tool, not part of the
// allocator's public API (spec.md §6 names no CLI for the library
// itself). It spins up an in-process allocator over a scratch region,
// runs a small allocation workload, and prints occupancy/free-segment
// stats - grounded on the teacher's own cmd/cli layout (urfave/cli
// commands wired to library calls) and useful as a smoke test for the
// engine during development.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/nvmalloc/nvmalloc/internal/sizeclass"
	"github.com/nvmalloc/nvmalloc/nvmalloc"
)

func main() {
	app := cli.NewApp()
	app.Name = "nvmstat"
	app.Usage = "inspect a scratch nvmalloc allocator instance"
	app.Flags = []cli.Flag{
		cli.Int64Flag{Name: "region-mib", Value: 20, Usage: "scratch region size, in MiB"},
		cli.IntFlag{Name: "alloc", Value: 64, Usage: "size in bytes of each allocation in the demo workload"},
		cli.IntFlag{Name: "count", Value: 1000, Usage: "number of allocations to perform before reporting"},
	}
	app.Action = dump

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "nvmstat:", err)
		os.Exit(1)
	}
}

func dump(c *cli.Context) error {
	regionSize := c.Int64("region-mib") * 1024 * 1024
	allocSize := c.Int("alloc")
	count := c.Int("count")

	a, err := nvmalloc.New(nvmalloc.DefaultConfig())
	if err != nil {
		return err
	}
	region := make([]byte, regionSize)
	if err := a.Init(region); err != nil {
		return err
	}
	defer a.Destroy()

	ptrs := make([]uintptr, 0, count)
	for i := 0; i < count; i++ {
		p, err := a.Malloc(allocSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "malloc #%d failed: %v\n", i, err)
			break
		}
		ptrs = append(ptrs, p)
	}
	for i := 0; i < len(ptrs); i += 2 {
		a.Free(ptrs[i])
	}

	st := a.Stats()
	fmt.Printf("arenas=%d free-segments=%d\n", st.ArenaCount, st.FreeSegments)
	for idx, cs := range st.PerClass {
		if cs.SlabCount == 0 {
			continue
		}
		fmt.Printf("class[%d]=%dB slabs=%d allocated=%d/%d\n",
			idx, sizeclass.Sizes[idx], cs.SlabCount, cs.Allocated, cs.TotalBlocks)
	}
	return nil
}
