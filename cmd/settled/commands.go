package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
)

func runMigrate(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig("migrate", args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)

	st, err := openStore(context.Background(), cfg, true)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()
	_, _ = fmt.Fprintf(stdout, "schema applied (%s)\n", cfg.Store.Driver)
	return 0
}

// runSweep expires overdue confirmations and drains one outbox batch, for
// deployments that schedule maintenance externally.
func runSweep(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig("sweep", args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := setupLogger(cfg, stderr)
	ctx := context.Background()

	st, err := openStore(ctx, cfg, cfg.Store.Migrate)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	engine, err := newEngine(st, cfg, nil, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	expired, err := engine.ExpireConfirmations(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: expire confirmations: %v\n", err)
		return 1
	}

	pub, err := openPublisher(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer pub.Close()
	drained, err := outbox.NewRelay(st, pub, cfg.Outbox.BatchSize).WithResumer(engine).Drain(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: drain outbox: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "expired %d confirmations, completed %d outbox tasks\n", len(expired), drained)
	return 0
}

// runImport validates contract documents and stores them.
func runImport(args []string, stdout, stderr io.Writer) int {
	cfg, fs, err := loadConfig("import", args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	files := fs.Args()
	if len(files) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: settled import [-config settled.yaml] <contract.json|contract.yaml>...")
		return 2
	}
	setupLogger(cfg, stderr)
	ctx := context.Background()

	docs := make([]*contracts.SettlementContract, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		ext := strings.ToLower(filepath.Ext(path))
		c, err := contracts.ParseDocument(data, ext == ".yaml" || ext == ".yml")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			return 1
		}
		docs = append(docs, c)
	}

	st, err := openStore(ctx, cfg, cfg.Store.Migrate)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()
	engine, err := newEngine(st, cfg, nil, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, c := range docs {
		if err := engine.SaveContract(ctx, c); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", c.ID, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "imported %s (%s, deal room %s)\n", c.ID, c.TriggerType, c.DealRoomID)
	}
	return 0
}
