package config

import (
	"testing"
	"time"

	"github.com/labstack/gommon/log"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]log.Lvl{
		"debug":   log.DEBUG,
		"WARN":    log.WARN,
		"warning": log.WARN,
		"error":   log.ERROR,
		"":        log.INFO,
		"chatty":  log.INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadGamePolicyDefaults(t *testing.T) {
	t.Setenv("GAME_MAX_NUMBER", "")
	t.Setenv("GAME_ALLOW_MID_GAME_SALES", "")
	p := LoadGamePolicy()
	if p.MaxNumber != 75 || !p.AllowMidGameSales {
		t.Fatalf("defaults = %+v", p)
	}
	t.Setenv("GAME_MAX_NUMBER", "90")
	t.Setenv("GAME_ALLOW_MID_GAME_SALES", "false")
	p = LoadGamePolicy()
	if p.MaxNumber != 90 || p.AllowMidGameSales {
		t.Fatalf("overrides = %+v", p)
	}
}

func TestLoadRateLimitConfigShorthands(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	c := LoadRateLimitConfig()
	if c.Capacity != 10 || c.RefillTokens != 1 || c.RefillInterval != 2*time.Second {
		t.Fatalf("shorthands not applied: %+v", c)
	}
	if c.TTL != 10*time.Second {
		t.Fatalf("ttl = %s, want floor of 5 refills", c.TTL)
	}
}

func TestLoadEventsConfigFallsBackToAMQPURL(t *testing.T) {
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("AMQP_URL", "amqp://u:p@broker:5672/")
	c := LoadEventsConfig()
	if c.AMQPURL != "amqp://u:p@broker:5672/" || c.QueueName != "bingo.events" {
		t.Fatalf("events config = %+v", c)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("splitList = %q", got)
	}
}
