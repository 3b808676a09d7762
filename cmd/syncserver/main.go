package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/convosync/convosync/internal/revlog"
	"github.com/convosync/convosync/internal/syncapi"
)

func main() {
	addr := os.Getenv("CONVOSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := revlog.BuildRevisionStoreFromDSN(os.Getenv("CONVOSYNC_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize revision store: %v", err)
	}

	notifier := revlog.NewLocalNotifier(nil)

	server := syncapi.NewServer(store, notifier, syncapi.ServerConfig{
		AuthSecret:      os.Getenv("CONVOSYNC_AUTH_SECRET"),
		MaxBodyBytes:    int64Env("CONVOSYNC_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv("CONVOSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CONVOSYNC_RATE_LIMIT_WINDOW", time.Minute),
		SSEKeepAlive:    durationEnv("CONVOSYNC_SSE_KEEPALIVE", 0),
		SSETTL:          durationEnv("CONVOSYNC_SSE_TTL", 0),
		SSERetry:        durationEnv("CONVOSYNC_SSE_RETRY", 0),
	})

	log.Printf("convosync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
