package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/convosync/convosync/internal/syncclient"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CONVOSYNC_BASE_URL", "http://127.0.0.1:8080"), "sync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CONVOSYNC_TOKEN")), "bearer token")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("CONVOSYNC_LOCAL_DIR")), "local conversation mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("CONVOSYNC_STATE_FILE")), "sync state file path")
	timeout := flag.Duration("timeout", durationEnv("CONVOSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or CONVOSYNC_TOKEN)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or CONVOSYNC_LOCAL_DIR)")
	}
	if strings.TrimSpace(*stateFile) == "" {
		log.Fatalf("state-file is required (--state-file or CONVOSYNC_STATE_FILE)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	store, err := syncclient.NewFileConversationStore(*localDir)
	if err != nil {
		log.Fatalf("failed to initialize conversation store: %v", err)
	}
	defer store.Close()

	agent := syncclient.NewAgent(syncclient.AgentConfig{
		Store:        store,
		StateBackend: syncclient.NewFileStateBackend(*stateFile),
		BaseURL:      *baseURL,
		Token:        *token,
		HTTPClient:   &http.Client{Timeout: *timeout},
		Logger:       log.Default(),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopAgent, err := agent.Start(rootCtx)
	if err != nil {
		log.Fatalf("failed to start sync agent: %v", err)
	}
	log.Printf("convosync agent watching %s, syncing against %s", *localDir, *baseURL)

	<-rootCtx.Done()
	log.Printf("sync agent stopping: %v", rootCtx.Err())
	stopAgent()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
