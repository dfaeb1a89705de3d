package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailrelay/internal/config"
	"mailrelay/internal/ledger"
	"mailrelay/internal/source"
	logx "mailrelay/pkg/logx"
)

// Maintenance commands run without Gmail credentials; they only need the
// section they touch to be valid.

// ResetLedger deletes every delivery record and reports how many were removed.
func ResetLedger(ctx context.Context, cfg *config.Config, log logx.Logger) (int, error) {
	l, err := openForMaintenance(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	n, err := l.Reset(ctx)
	if err != nil {
		return 0, err
	}
	log.Info("ledger reset", logx.String("driver", cfg.Ledger.Driver), logx.Int("records", n))
	return n, nil
}

// LedgerStats returns record counts for the configured ledger.
func LedgerStats(ctx context.Context, cfg *config.Config, log logx.Logger) (ledger.Stats, error) {
	l, err := openForMaintenance(ctx, cfg, log)
	if err != nil {
		return ledger.Stats{}, err
	}
	defer l.Close()
	return l.Stats(ctx)
}

func openForMaintenance(ctx context.Context, cfg *config.Config, log logx.Logger) (ledger.Ledger, error) {
	if err := config.ValidateLedger(cfg); err != nil {
		return nil, err
	}
	st, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return openLedger(ctx, cfg, st, time.Now, log)
}

// TestNotify sends a synthetic message through the configured destination
// with the normal retry policy. Nothing is recorded in the ledger.
func TestNotify(ctx context.Context, cfg *config.Config, opts Options, log logx.Logger) (source.MessageDetail, error) {
	if err := config.ValidateDestination(cfg); err != nil {
		return source.MessageDetail{}, err
	}
	st, err := config.Resolve(cfg)
	if err != nil {
		return source.MessageDetail{}, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	snk, err := newSink(cfg, st, opts.HTTPClient, log)
	if err != nil {
		return source.MessageDetail{}, err
	}

	id := "test-" + uuid.NewString()[:8]
	msg := source.MessageDetail{
		MessageSummary: source.MessageSummary{
			ID:         id,
			ThreadID:   id,
			Subject:    "mailrelay test notification",
			Sender:     "mailrelay <noreply@localhost>",
			ReceivedAt: opts.Now(),
			Snippet:    "If you can read this, the destination is configured correctly.",
		},
		Body: "If you can read this, the destination is configured correctly.\n\nNo mailbox was read to produce this message.",
	}
	if err := snk.Deliver(ctx, msg); err != nil {
		return msg, err
	}
	log.Info("test notification delivered", logx.String("destination", snk.Name()), logx.String("message_id", id))
	return msg, nil
}
