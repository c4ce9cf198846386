package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// BlockReader is the part of a client the chain TPS monitor needs
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTxCount(ctx context.Context, height uint64) (uint64, error)
}

// ChainTPS is the on-chain throughput observed by a ChainTPSMonitor
type ChainTPS struct {
	StartBlock uint64
	LastBlock  uint64
	TotalTxs   uint64
	AvgTPS     float64
	MaxTPS     float64
	MinTPS     float64
}

// ChainTPSMonitor measures throughput from block contents, independent of what
// the senders believe they achieved
type ChainTPSMonitor struct {
	reader   BlockReader
	log      log.Logger
	interval time.Duration

	mu    sync.Mutex
	stats ChainTPS
}

func NewChainTPSMonitor(reader BlockReader, l log.Logger, interval time.Duration) *ChainTPSMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ChainTPSMonitor{reader: reader, log: l, interval: interval}
}

// Stats returns a copy of the current figures
func (m *ChainTPSMonitor) Stats() ChainTPS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run samples new blocks every interval until ctx is done
func (m *ChainTPSMonitor) Run(ctx context.Context) ChainTPS {
	initHeight, err := m.reader.BlockNumber(ctx)
	if err != nil {
		m.log.Warn("Chain TPS monitor disabled", "err", err)
		return m.Stats()
	}
	initTime := time.Now()
	lastHeight := initHeight

	m.mu.Lock()
	m.stats = ChainTPS{StartBlock: initHeight, LastBlock: initHeight, MinTPS: -1}
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	intervalStart := initTime
	for {
		select {
		case <-ctx.Done():
			final := m.Stats()
			if final.MinTPS < 0 {
				final.MinTPS = 0
			}
			m.log.Info("Chain TPS final", "blocks", final.LastBlock-final.StartBlock, "txs", final.TotalTxs,
				"avgTPS", fmt.Sprintf("%.2f", final.AvgTPS), "maxTPS", fmt.Sprintf("%.2f", final.MaxTPS))
			return final
		case <-ticker.C:
		}

		head, err := m.reader.BlockNumber(ctx)
		if err != nil || head == lastHeight {
			continue
		}

		var intervalTxs uint64
		for height := lastHeight + 1; height <= head; height++ {
			n, err := m.reader.BlockTxCount(ctx, height)
			if err != nil {
				m.log.Debug("Block tx count unavailable", "height", height, "err", err)
				break
			}
			intervalTxs += n
			lastHeight = height
		}

		now := time.Now()
		var instant float64
		if d := now.Sub(intervalStart).Seconds(); d > 0 {
			instant = float64(intervalTxs) / d
		}
		intervalStart = now

		m.mu.Lock()
		m.stats.LastBlock = lastHeight
		m.stats.TotalTxs += intervalTxs
		m.stats.AvgTPS = float64(m.stats.TotalTxs) / now.Sub(initTime).Seconds()
		if instant > m.stats.MaxTPS {
			m.stats.MaxTPS = instant
		}
		if intervalTxs > 0 && (m.stats.MinTPS < 0 || instant < m.stats.MinTPS) {
			m.stats.MinTPS = instant
		}
		snap := m.stats
		m.mu.Unlock()

		m.log.Info("Chain TPS", "block", lastHeight, "txs", intervalTxs,
			"instantTPS", fmt.Sprintf("%.2f", instant), "avgTPS", fmt.Sprintf("%.2f", snap.AvgTPS),
			"maxTPS", fmt.Sprintf("%.2f", snap.MaxTPS))
	}
}
