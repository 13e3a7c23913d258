package slurm

import (
	"context"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/shell"
)

const queueCommand = "squeue --format=%F --noheader"

// Poll blocks until none of jobIDs is listed by squeue any more, probing at a fixed interval.
// Ids are matched as substrings of the listing so array jobs (listed as <id>_<task>) count.
// A failing probe is logged and treated like a job that is still queued; there is no timeout.
func (g *Generator) Poll(ctx context.Context, jobIDs ...int) error {
	if len(jobIDs) == 0 {
		return nil
	}
	for {
		out, err := g.shell.Run(ctx, shell.Cmd(queueCommand))
		if err != nil {
			log.Warnf("Queue probe failed, retrying in %s: %v", g.pollInterval, err)
		} else {
			remaining := queued(out.Output, jobIDs)
			if len(remaining) == 0 {
				log.Debugf("Jobs %v finished", jobIDs)
				return nil
			}
			log.Debugf("Jobs %v not yet finished", remaining)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		g.clock.Sleep(g.pollInterval)
	}
}

func queued(listing string, jobIDs []int) []int {
	lines := strings.Split(listing, "\n")
	var remaining []int
	for _, id := range jobIDs {
		s := strconv.Itoa(id)
		for _, line := range lines {
			if strings.Contains(line, s) {
				remaining = append(remaining, id)
				break
			}
		}
	}
	return remaining
}
