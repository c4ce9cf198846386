package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/okx/surge/utils"
)

// PrintReport writes a human readable run summary to w.
func PrintReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "\n========== Run %s ==========\n", r.RunID)
	if r.Network != nil {
		fmt.Fprintf(w, "Chain ID:          %v (head %d)\n", r.Network.ChainID, r.Network.Head)
	}
	if d := r.Distribution; d != nil && d.Plan != nil {
		fmt.Fprintf(w, "Funded workers:    %d in %d batches, %s each\n",
			d.Transfers, d.Batches, utils.FormatEther(d.Plan.Share))
	}

	s := r.Stats
	if s.Total > 0 || s.Finalized() {
		tps, _ := s.Throughput()
		fmt.Fprintf(w, "Transactions:      %d sent, %d confirmed, %d failed (%.1f%% success)\n",
			s.Total, s.Succeeded, s.Failed, s.SuccessRate()*100)
		fmt.Fprintf(w, "Duration:          %s\n", s.Elapsed().Round(time.Millisecond))
		fmt.Fprintf(w, "Throughput:        %.2f TPS\n", tps)
		if s.Succeeded > 0 {
			fmt.Fprintf(w, "Latency:           min %s, avg %s, max %s\n",
				s.MinLatency.Round(time.Millisecond), s.AvgLatency.Round(time.Millisecond), s.MaxLatency.Round(time.Millisecond))
		}
	}
	if c := r.ChainTPS; c != nil {
		fmt.Fprintf(w, "Chain TPS:         avg %.2f, max %.2f over blocks %d-%d\n", c.AvgTPS, c.MaxTPS, c.StartBlock, c.LastBlock)
	}
	if c := r.Collection; c != nil {
		fmt.Fprintf(w, "Collected:         %d/%d workers, %s reclaimed\n", c.Succeeded, c.Total, utils.FormatEther(c.Reclaimed))
		if c.FinalBalance != nil {
			fmt.Fprintf(w, "Funding balance:   %s\n", utils.FormatEther(c.FinalBalance))
		}
	}
	fmt.Fprintln(w, "==========================================")
}
