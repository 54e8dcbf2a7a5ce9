package workbase

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/basaltpool/stratum-engine/internal/bitcoin"
	"github.com/basaltpool/stratum-engine/pkg/crypto"
	"go.uber.org/zap"
)

// TemplateSource abstracts where a block template comes from. The only
// implementation is rpcSource (the local Bitcoin node's RPC); templates
// received over the relay bus do not pass through a TemplateSource.
type TemplateSource interface {
	GetBlockTemplate() (*bitcoin.BlockTemplate, error)
}

// rpcSource is the default TemplateSource: a direct getblocktemplate call.
type rpcSource struct {
	client *bitcoin.Client
	rules  []string
}

func (s *rpcSource) GetBlockTemplate() (*bitcoin.BlockTemplate, error) {
	return s.client.GetBlockTemplate(s.rules)
}

// NewRPCSource builds a TemplateSource backed by direct node RPC, with the
// GBT rule set the spec's Open Question resolves to: segwit always, plus
// signet when the pool is configured for the signet network.
func NewRPCSource(client *bitcoin.Client, network string) TemplateSource {
	rules := []string{"segwit"}
	if network == "signet" {
		rules = append(rules, "signet")
	}
	return &rpcSource{client: client, rules: rules}
}

// GeneratorConfig holds the tunables the work generator needs beyond the
// template source itself.
type GeneratorConfig struct {
	PoolSignature   string
	PayoutScript    []byte
	Extranonce1Size int
	Extranonce2Size int
	MaxStaleKept    int
	Grace           time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// Generator owns the current Workbase Store and the polling loop that
// keeps it fresh (spec §4.1).
type Generator struct {
	cfg    GeneratorConfig
	source TemplateSource
	store  *Store
	logger *zap.Logger

	onPublish func(wb *Workbase)
}

// New creates a work generator. onPublish, if non-nil, is invoked
// synchronously every time a new workbase is published (used to drive the
// Stratum broadcast and the relay primary's TEMPLATE push).
func New(cfg GeneratorConfig, source TemplateSource, logger *zap.Logger, onPublish func(wb *Workbase)) *Generator {
	return &Generator{
		cfg:       cfg,
		source:    source,
		store:     NewStore(cfg.MaxStaleKept, cfg.Grace),
		logger:    logger.Named("workgen"),
		onPublish: onPublish,
	}
}

// Store exposes the generator's workbase store for the validator and
// server to read.
func (g *Generator) Store() *Store { return g.store }

// Run polls for new templates on a steady cadence, re-polling immediately
// whenever notify fires (fed by the ZMQ hashblock subscriber), until ctx
// is cancelled. Failures back off exponentially from MinBackoff up to
// MaxBackoff, per spec §4.1.
func (g *Generator) Run(ctx context.Context, notify <-chan struct{}, pollInterval time.Duration) {
	backoff := g.cfg.MinBackoff
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(0)
		case <-timer.C:
		}

		if err := g.pollOnce(); err != nil {
			g.logger.Warn("block template poll failed", zap.Error(err))
			timer.Reset(backoff)
			backoff *= 2
			if backoff > g.cfg.MaxBackoff {
				backoff = g.cfg.MaxBackoff
			}
			continue
		}

		backoff = g.cfg.MinBackoff
		timer.Reset(pollInterval)
	}
}

func (g *Generator) pollOnce() error {
	tmpl, err := g.source.GetBlockTemplate()
	if err != nil {
		return fmt.Errorf("getblocktemplate: %w", err)
	}

	wb, err := g.buildWorkbase(tmpl)
	if err != nil {
		return fmt.Errorf("build workbase: %w", err)
	}

	prev := g.store.Current()
	wb.CleanJobs = prev == nil || prev.PrevBlockHash != wb.PrevBlockHash

	g.store.Publish(wb)
	g.logger.Info("published workbase",
		zap.Uint64("id", wb.ID),
		zap.Int64("height", wb.Height),
		zap.Bool("clean_jobs", wb.CleanJobs),
	)

	if g.onPublish != nil {
		g.onPublish(wb)
	}
	return nil
}

func (g *Generator) buildWorkbase(tmpl *bitcoin.BlockTemplate) (*Workbase, error) {
	coinb1, coinb2, err := BuildCoinbase(CoinbaseParams{
		Height:               tmpl.Height,
		PoolSignature:        g.cfg.PoolSignature,
		PayoutScript:         g.cfg.PayoutScript,
		WitnessCommitmentHex: tmpl.DefaultWitnessCommitment,
		CoinbaseValue:        tmpl.CoinbaseValue,
		Extranonce1Size:      g.cfg.Extranonce1Size,
		Extranonce2Size:      g.cfg.Extranonce2Size,
	})
	if err != nil {
		return nil, err
	}

	txHashes := make([][]byte, 0, len(tmpl.Transactions))
	rawTxs := make([]string, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		h, err := hex.DecodeString(tx.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction hash %q: %w", tx.Hash, err)
		}
		txHashes = append(txHashes, crypto.ReverseBytes(h))
		rawTxs = append(rawTxs, tx.Data)
	}
	branch := crypto.BuildMerkleBranch(txHashes)

	bitsUint, err := strconv.ParseUint(tmpl.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tmpl.Bits, err)
	}
	networkDiff := crypto.CompactToDifficulty(uint32(bitsUint))

	return &Workbase{
		ID:                   NextID(),
		Height:               tmpl.Height,
		PrevBlockHash:        tmpl.PreviousBlockHash,
		Coinb1:               coinb1,
		Coinb2:               coinb2,
		MerkleBranch:         branch,
		Version:              uint32(tmpl.Version),
		Bits:                 tmpl.Bits,
		CurTime:              uint32(tmpl.CurTime),
		NetworkDiff:          networkDiff,
		CreatedAt:            time.Now(),
		CoinbaseValue:        tmpl.CoinbaseValue,
		RawTransactions:      rawTxs,
		WitnessCommitmentHex: tmpl.DefaultWitnessCommitment,
	}, nil
}
