// Command phasor runs a small interactive document-approval workflow on the
// phasor engine. It demonstrates the external driver loop: the machine asks
// questions through actions, the operator answers on stdin, and the answers
// are fed back as events until the workflow terminates.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/phasorio/phasor/pkg/config"
	"github.com/phasorio/phasor/pkg/core"
	"github.com/phasorio/phasor/pkg/db"
	otelobs "github.com/phasorio/phasor/pkg/observability/otel"
	"github.com/phasorio/phasor/pkg/statemachine"
)

// Config is the demo binary's YAML configuration, overridable through
// PHASOR_* environment variables.
type Config struct {
	Machine struct {
		ID string `yaml:"id"`
	} `yaml:"machine"`
	LogLevel    string `yaml:"log_level"`
	Persistence struct {
		Backend   string `yaml:"backend"`
		Directory string `yaml:"directory"`
		DSN       string `yaml:"dsn"`
	} `yaml:"persistence"`
	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Machine.ID = "approval-demo"
	cfg.LogLevel = "info"
	cfg.Persistence.Backend = "memory"
	cfg.Persistence.Directory = "data"
	cfg.Persistence.DSN = "phasor.db"
	return cfg
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "PHASOR", &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.ApplyEnvOverrides("PHASOR", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "apply env: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "phasor: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	logger := core.NewLogger(os.Stdout, os.Stderr, logLevel(cfg.LogLevel))

	adapter, cleanup, err := buildPersistence(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	observer, shutdown, err := buildObserver(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	m, err := statemachine.New(statemachine.Config{
		ID:           cfg.Machine.ID,
		InitialState: "draft",
		ErrorState:   "abandoned",
		Nodes:        approvalNodes(),
		Persistence:  adapter,
		Observer:     observer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	stdin := bufio.NewScanner(os.Stdin)
	result, err := statemachine.RunDriver(ctx, m, func(ctx context.Context, action statemachine.Event) ([]statemachine.Event, error) {
		if action.Type != "PROMPT" {
			fmt.Printf("-> %s\n", action.Type)
			return nil, nil
		}
		payload, _ := action.Payload.(map[string]interface{})
		fmt.Printf("%v ", payload["question"])
		if !stdin.Scan() {
			return nil, fmt.Errorf("stdin closed")
		}
		answer := strings.TrimSpace(strings.ToLower(stdin.Text()))
		return []statemachine.Event{{Type: "ANSWER", Payload: map[string]interface{}{"yes": answer == "y" || answer == "yes"}}}, nil
	})
	if err != nil {
		return err
	}

	for _, action := range result.Actions {
		fmt.Printf("done: %s\n", action.Type)
	}
	fmt.Printf("final state: %s\n", m.CurrentState())
	return nil
}

// approvalNodes builds a three-step workflow: draft -> review -> published,
// where a rejected review sends the document back to draft.
func approvalNodes() map[string]statemachine.Node {
	ask := func(question string) statemachine.Event {
		return statemachine.Event{
			Type:    "PROMPT",
			Payload: map[string]interface{}{"question": question},
		}
	}
	answeredYes := func(events []statemachine.Event) (answered, yes bool) {
		for _, event := range events {
			if event.Type != "ANSWER" {
				continue
			}
			payload, _ := event.Payload.(map[string]interface{})
			approve, _ := payload["yes"].(bool)
			return true, approve
		}
		return false, false
	}

	return map[string]statemachine.Node{
		"draft": &statemachine.FuncNode{
			PostFunc: func(ctx context.Context, store *statemachine.SharedStore, result interface{}) (statemachine.StateResult, error) {
				answered, yes := answeredYes(result.([]statemachine.Event))
				switch {
				case answered && yes:
					return *transitionWithNote(store, "review", "submitted"), nil
				case answered:
					return statemachine.StateResult{Status: statemachine.StatusTransition, To: "abandoned"}, nil
				default:
					return statemachine.StateResult{
						Status:  statemachine.StatusWaiting,
						Actions: []statemachine.Event{ask("submit the draft for review? (y/n)")},
					}, nil
				}
			},
		},
		"review": &statemachine.FuncNode{
			PostFunc: func(ctx context.Context, store *statemachine.SharedStore, result interface{}) (statemachine.StateResult, error) {
				answered, yes := answeredYes(result.([]statemachine.Event))
				switch {
				case answered && yes:
					return *transitionWithNote(store, "published", "approved"), nil
				case answered:
					return *transitionWithNote(store, "draft", "rejected"), nil
				default:
					return statemachine.StateResult{
						Status:  statemachine.StatusWaiting,
						Actions: []statemachine.Event{ask("approve the document? (y/n)")},
					}, nil
				}
			},
		},
		"published": &statemachine.FuncNode{
			PrepFunc: func(ctx context.Context, store *statemachine.SharedStore) (statemachine.PrepResult, error) {
				return statemachine.PrepResult{}, nil
			},
			PostFunc: statemachine.Terminal(statemachine.Event{Type: "DOCUMENT_PUBLISHED"}),
		},
		"abandoned": &statemachine.FuncNode{
			PrepFunc: func(ctx context.Context, store *statemachine.SharedStore) (statemachine.PrepResult, error) {
				return statemachine.PrepResult{}, nil
			},
			PostFunc: statemachine.Terminal(statemachine.Event{Type: "DOCUMENT_ABANDONED"}),
		},
	}
}

// transitionWithNote records a history note in the context and transitions.
func transitionWithNote(store *statemachine.SharedStore, to, note string) *statemachine.StateResult {
	store.UpdateContext(func(c map[string]interface{}) map[string]interface{} {
		notes, _ := c["notes"].([]interface{})
		c["notes"] = append(notes, note)
		return c
	})
	return &statemachine.StateResult{Status: statemachine.StatusTransition, To: to}
}

func buildPersistence(ctx context.Context, cfg Config) (statemachine.PersistenceAdapter, func(), error) {
	nop := func() {}
	switch cfg.Persistence.Backend {
	case "", "memory":
		return statemachine.NewMemoryPersistence(), nop, nil
	case "file":
		adapter, err := statemachine.NewFilePersistence(cfg.Persistence.Directory)
		return adapter, nop, err
	case "sqlite":
		pool, err := db.NewPool(ctx, db.DefaultPoolConfig("sqlite3", cfg.Persistence.DSN))
		if err != nil {
			return nil, nop, err
		}
		adapter, err := statemachine.NewSQLPersistence(pool.DB())
		if err != nil {
			pool.Close()
			return nil, nop, err
		}
		return adapter, func() { pool.Close() }, nil
	default:
		return nil, nop, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

func buildObserver(ctx context.Context, cfg Config) (statemachine.Observer, func(), error) {
	if !cfg.Tracing.Enabled {
		return statemachine.NopObserver{}, func() {}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	shutdown := func() {
		_ = provider.Shutdown(ctx)
	}
	return otelobs.NewObserver(provider.Tracer("phasor")), shutdown, nil
}

func logLevel(name string) core.Level {
	switch strings.ToLower(name) {
	case "debug":
		return core.LevelDebug
	case "warn":
		return core.LevelWarn
	case "error":
		return core.LevelError
	default:
		return core.LevelInfo
	}
}
