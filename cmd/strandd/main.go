// Command strandd runs a demo agent from the command line: it wires a
// completions gateway, run stores, optional blob storage, and optional OTEL
// observability from the TOML config, then executes one prompt and prints
// the event stream.
//
// Usage:
//
//	strandd "summarize the latest deployment logs"
//	strandd -resume <run-id> -approve <approval-id> yes
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/strand"
	"github.com/loomworks/strand/internal/config"
	"github.com/loomworks/strand/observer"
	"github.com/loomworks/strand/provider/openaicompat"
	pgstorage "github.com/loomworks/strand/storage/postgres"
	"github.com/loomworks/strand/store/inmem"
	redisstore "github.com/loomworks/strand/store/redis"
	sqlitestore "github.com/loomworks/strand/store/sqlite"
)

func main() {
	resumeRun := flag.String("resume", "", "run id to resume")
	approvalID := flag.String("approve", "", "approval id to answer")
	flag.Parse()
	if flag.NArg() < 1 {
		log.Fatal("usage: strandd [-resume RUN -approve APPROVAL] <prompt|yes|no>")
	}

	cfg := config.Load(os.Getenv("STRAND_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gateway strand.CompletionsGateway = openaicompat.New(
		openaicompat.WithEndpoint(cfg.Provider.Name, openaicompat.Endpoint{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
		}),
		openaicompat.WithLogger(logger),
	)

	opts := []strand.Option{strand.WithLogger(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		gateway = observer.WrapGateway(gateway, inst)
		opts = append(opts, strand.WithTracer(observer.NewTracer()))
	}

	var states strand.AgentStateCache
	var locks strand.AgentRunLock
	switch cfg.Store.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		store := redisstore.New(client)
		states, locks = store, store
		opts = append(opts, strand.WithCancellation(store.Cancellations()))
	case "sqlite":
		store := sqlitestore.New(cfg.Store.Path, sqlitestore.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		states, locks = store, store
		opts = append(opts, strand.WithCancellation(store.Cancellations()))
	default:
		states = inmem.NewStateCache()
		locks = inmem.NewRunLock(0)
		opts = append(opts, strand.WithCancellation(inmem.NewCancellationCache()))
	}

	if cfg.Storage.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		defer pool.Close()
		blobs := pgstorage.New(pool, cfg.Storage.BaseURL, []byte(cfg.Storage.Secret),
			pgstorage.WithLogger(logger))
		if err := blobs.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		opts = append(opts, strand.WithStorage(blobs))
	}

	executor := strand.New(gateway, states, locks, opts...)
	set := demoManifests(cfg)

	input := strand.AgentInput{Kind: strand.InputRequest, Prompt: flag.Arg(0)}
	if *resumeRun != "" {
		input = strand.AgentInput{
			Kind:  strand.InputApproval,
			RunID: *resumeRun,
			Response: &strand.ContinueResponse{
				ApprovalID: *approvalID,
				Approved:   flag.Arg(0) == "yes",
			},
		}
	}

	events := make(chan strand.AgentEvent, 64)
	go func() {
		for ev := range events {
			printEvent(ev)
		}
	}()

	result, err := executor.Execute(ctx, set, "assistant:1", input, events)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	switch result.Kind {
	case strand.RunComplete:
		fmt.Printf("\n[%s] complete\n", result.RunID)
	case strand.RunSuspended:
		fmt.Printf("\n[%s] suspended, pending approvals:\n", result.RunID)
		for _, s := range result.Suspensions {
			fmt.Printf("  %s: %s %s\n", s.ApprovalID, s.ToolName, s.ToolArgs)
		}
		for _, stack := range result.SuspensionStacks {
			s := stack.LeafSuspension
			fmt.Printf("  %s: %s %s (nested)\n", s.ApprovalID, s.ToolName, s.ToolArgs)
		}
	case strand.RunCancelled:
		fmt.Printf("\n[%s] cancelled\n", result.RunID)
	default:
		fmt.Printf("\n[%s] error: %v\n", result.RunID, result.Err)
	}
}

func printEvent(ev strand.AgentEvent) {
	switch ev.Type {
	case strand.EventTextDelta:
		fmt.Print(ev.Content)
	case strand.EventToolCall:
		fmt.Printf("\n-> %s %s\n", ev.ToolCall.Name, ev.ToolCall.Args)
	case strand.EventToolResult:
		fmt.Printf("<- %s: %s\n", ev.ToolCall.Name, ev.Content)
	case strand.EventAgentError:
		fmt.Printf("\n!! %s: %s\n", ev.Code, ev.ErrorMessage)
	}
}
