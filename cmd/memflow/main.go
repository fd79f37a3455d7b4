package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/inference"
	"github.com/memflow/memflow/internal/logging"
	"github.com/memflow/memflow/internal/memory"
	"github.com/memflow/memflow/internal/models"
	"github.com/memflow/memflow/internal/nlsql"
	"github.com/memflow/memflow/internal/store"
)

const version = "0.1.0"

func main() {
	var (
		dbPath     = flag.String("db", "memflow.db", "sqlite database path")
		redisAddr  = flag.String("redis", "", "redis address for access tracking (optional)")
		dgraphAddr = flag.String("dgraph", "", "dgraph alpha address for associations (optional)")
		embedURL   = flag.String("embed-url", "", "embedding service URL (optional, hash embedder by default)")
		userID     = flag.String("user", "default", "user id for this session")
		indexDir   = flag.String("index", "", "embedding index directory (in-memory by default)")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	log, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	printBanner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down...")
		cancel()
		os.Exit(0)
	}()

	client := inference.NewClient(inference.DefaultConfig())
	if modelList, err := client.ListModels(ctx); err != nil {
		fmt.Printf("⚠️  Ollama unavailable: %v (extraction will degrade)\n", err)
	} else {
		fmt.Printf("✓ Connected to Ollama | %d models available\n", len(modelList))
	}
	llm := inference.NewPool(client, inference.DefaultPoolConfig())
	defer llm.Shutdown(5 * time.Second)

	var embedder memory.Embedder
	if *embedURL != "" {
		embedder = memory.NewServiceEmbedder(*embedURL, "nomic-embed-text", 768)
		fmt.Printf("✓ Embedding service: %s\n", *embedURL)
	} else {
		embedder = memory.NewHashEmbedder(384)
		fmt.Println("✓ Hash embedder (no embedding service configured)")
	}
	embedder = memory.NewCachedEmbedder(embedder, 10000)

	sqlStore, err := store.OpenSQLite(*dbPath, log)
	if err != nil {
		fmt.Printf("❌ Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer sqlStore.Close()
	fmt.Printf("✓ SQLite store: %s\n", *dbPath)

	var tracker memory.AccessTracker
	if *redisAddr != "" {
		t, err := store.NewRedisTracker(*redisAddr, "", 0, log)
		if err != nil {
			fmt.Printf("⚠️  Redis unavailable: %v (access tracking disabled)\n", err)
		} else {
			tracker = t
			fmt.Printf("✓ Redis access tracker: %s\n", *redisAddr)
		}
	}

	var graph memory.AssociationGraph
	if *dgraphAddr != "" {
		g, err := store.NewDgraphGraph(*dgraphAddr, log)
		if err != nil {
			fmt.Printf("⚠️  Dgraph unavailable: %v (associations disabled)\n", err)
		} else {
			graph = g
			fmt.Printf("✓ Dgraph association graph: %s\n", *dgraphAddr)
		}
	}

	extractor := memory.NewLLMExtractor(llm, log)
	summarizer := memory.NewLLMSummarizer(llm, log)

	svc := memory.NewMemoryService(sqlStore, embedder, extractor, summarizer, tracker, graph, memory.DefaultConfig(), log)
	defer svc.Close()

	pipeline, err := nlsql.NewPipeline(sqlStore.DB(), "sqlite", embedder, llm, *indexDir, nlsql.DefaultConfig(), log)
	if err != nil {
		fmt.Printf("⚠️  NL→SQL pipeline unavailable: %v\n", err)
	} else {
		defer pipeline.Close()
	}

	sessionID = fmt.Sprintf("session-%d", time.Now().Unix())
	fmt.Printf("\nUser: %s | Session: %s\nType /help for commands.\n\n", *userID, sessionID)

	repl(ctx, svc, pipeline, *userID, log)
}

var sessionID string

func printBanner() {
	fmt.Printf(`
╔══════════════════════════════════════╗
║   memflow %-8s                   ║
║   cognitive memory for agents        ║
╚══════════════════════════════════════╝
`, version)
}

func repl(ctx context.Context, svc *memory.MemoryService, pipeline *nlsql.Pipeline, userID string, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("memflow> ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if !handleCommand(ctx, svc, pipeline, userID, input) {
				return
			}
			continue
		}

		// Bare input searches across every memory kind
		hits, err := svc.Search(ctx, models.SearchQuery{
			UserID:    userID,
			Text:      input,
			TopK:      -1,
			Threshold: -1,
		})
		if err != nil {
			fmt.Printf("❌ Search failed: %v\n\n", err)
			continue
		}
		printHits(hits)
	}
}

// handleCommand dispatches one slash command; false means quit
func handleCommand(ctx context.Context, svc *memory.MemoryService, pipeline *nlsql.Pipeline, userID, input string) bool {
	parts := strings.SplitN(input, " ", 3)
	cmd := parts[0]

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/help":
		fmt.Println(`Commands:
  /remember <kind> <text>   store a memory (factual|episodic|semantic|procedural|working)
  /session <text>           record a conversation turn
  /summarize                force session summarization
  /context                  show session context
  /search <kind> <text>     search one memory kind
  /sql source               run NL→SQL data sourcing on the local store
  /sql <question>           ask the data a question
  /insights                 SQL feedback insights
  /stats                    memory statistics
  /consolidate              sweep expired working memories
  /quit                     exit
Anything else searches across all memory kinds.`)

	case "/remember":
		if len(parts) < 3 {
			fmt.Println("usage: /remember <kind> <text>")
			break
		}
		res := svc.Store(ctx, memory.StoreRequest{
			Kind:   models.Kind(parts[1]),
			UserID: userID,
			Dialog: parts[2],
		})
		printResult(res)

	case "/session":
		if len(parts) < 2 {
			fmt.Println("usage: /session <text>")
			break
		}
		res := svc.Store(ctx, memory.StoreRequest{
			Kind:      models.KindSession,
			UserID:    userID,
			SessionID: sessionID,
			Role:      "user",
			Dialog:    strings.Join(parts[1:], " "),
		})
		printResult(res)

	case "/summarize":
		res := svc.Session.SummarizeSession(ctx, userID, sessionID, true, "medium")
		printResult(res)

	case "/context":
		sc, err := svc.Session.GetSessionContext(ctx, userID, sessionID, true, 10)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			break
		}
		printJSON(sc)

	case "/search":
		if len(parts) < 3 {
			fmt.Println("usage: /search <kind> <text>")
			break
		}
		hits, err := svc.Search(ctx, models.SearchQuery{
			UserID:    userID,
			Text:      parts[2],
			Kinds:     []models.Kind{models.Kind(parts[1])},
			TopK:      -1,
			Threshold: -1,
		})
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			break
		}
		printHits(hits)

	case "/sql":
		if pipeline == nil {
			fmt.Println("❌ NL→SQL pipeline not available")
			break
		}
		if len(parts) < 2 {
			fmt.Println("usage: /sql source | /sql <question>")
			break
		}
		arg := strings.Join(parts[1:], " ")
		if arg == "source" {
			enriched, err := pipeline.DataSourcing(ctx)
			if err != nil {
				fmt.Printf("❌ %v\n", err)
				break
			}
			fmt.Printf("✓ Sourced %d tables | domain: %s\n",
				len(enriched.Metadata.Tables), enriched.DomainClassification.PrimaryDomain)
			break
		}
		resp, err := pipeline.DataQuery(ctx, arg)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			break
		}
		if resp.Generated != nil {
			fmt.Printf("SQL: %s\n", resp.Generated.SQL)
		}
		if resp.Result != nil && resp.Result.Success {
			fmt.Printf("✓ %d rows (%s, %dms)\n", resp.Result.RowCount, resp.Result.Strategy, resp.Result.ExecutionTimeMS)
			limit := 5
			for i, row := range resp.Result.Rows {
				if i >= limit {
					fmt.Printf("  ... %d more\n", len(resp.Result.Rows)-limit)
					break
				}
				printJSON(row)
			}
		} else {
			fmt.Printf("❌ %s\n", resp.Error)
		}

	case "/insights":
		if pipeline == nil {
			fmt.Println("❌ NL→SQL pipeline not available")
			break
		}
		insights := pipeline.Insights()
		if insights == nil {
			fmt.Println("no executions recorded yet")
			break
		}
		printJSON(insights)

	case "/stats":
		stats, err := svc.Statistics(ctx, userID)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			break
		}
		printJSON(stats)

	case "/consolidate":
		printResult(svc.Consolidate(ctx, userID))

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}

	fmt.Println()
	return true
}

func printResult(res models.OpResult) {
	if res.Success {
		fmt.Printf("✓ %s", res.Operation)
		if res.MemoryID != "" {
			fmt.Printf(" [%s]", res.MemoryID)
		}
		if res.Message != "" {
			fmt.Printf(" (%s)", res.Message)
		}
		fmt.Println()
	} else {
		fmt.Printf("❌ %s: %s\n", res.Operation, res.Message)
	}
}

func printHits(hits []models.SearchHit) {
	if len(hits) == 0 {
		fmt.Println("no matching memories")
		return
	}
	for _, hit := range hits {
		fmt.Printf("%2d. [%.2f] (%s) %s\n", hit.Rank, hit.Similarity, hit.Memory.Kind, hit.Memory.Content)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Println(string(data))
}
