package main

import (
	"testing"
	"time"
)

func TestRedisOptionsAzureConnectionString(t *testing.T) {
	opts := redisOptions("cache.example.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example.net:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestRedisOptionsURL(t *testing.T) {
	opts := redisOptions("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("SESSION_QUEUE", "")
	if got := envInt("SESSION_QUEUE", 256); got != 256 {
		t.Fatalf("unexpected default %d", got)
	}
	t.Setenv("SESSION_QUEUE", "32")
	if got := envInt("SESSION_QUEUE", 256); got != 32 {
		t.Fatalf("unexpected value %d", got)
	}
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")
	if got := envDur("SESSION_IDLE_TIMEOUT", time.Minute); got != 90*time.Second {
		t.Fatalf("unexpected duration %v", got)
	}
	if got := envString("BOARD_UPDATES_CHANNEL_UNSET", "board-updates"); got != "board-updates" {
		t.Fatalf("unexpected string %q", got)
	}
}
