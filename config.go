package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/DrSmoothl/FastMessageMuteSystem/detector"
)

type Config struct {
	WSURL       string
	AccessToken string
	DBPath      string

	Groups        []int64
	Admins        []int64
	Whitelist     []int64
	ExemptAdmins  bool
	CommandPrefix string

	Detection detector.Config
}

func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := Config{Detection: detector.DefaultConfig()}
	var groups, admins, whitelist string
	var windowSec int

	flag.StringVar(&cfg.WSURL, "ws-url", envOrDefault("MUTE_WS_URL", "ws://127.0.0.1:3001"), "NapCat WebSocket URL")
	flag.StringVar(&cfg.AccessToken, "access-token", envOrDefault("MUTE_ACCESS_TOKEN", ""), "NapCat access token")
	flag.StringVar(&cfg.DBPath, "db", envOrDefault("MUTE_DB", "mute.db"), "SQLite state database path")
	flag.StringVar(&groups, "groups", envOrDefault("MUTE_GROUPS", ""), "monitored group ids, comma separated")
	flag.StringVar(&admins, "admins", envOrDefault("MUTE_ADMINS", ""), "admin user ids, comma separated")
	flag.StringVar(&whitelist, "whitelist", envOrDefault("MUTE_WHITELIST", ""), "exempt user ids, comma separated")
	flag.BoolVar(&cfg.ExemptAdmins, "exempt-admins", envBool("MUTE_EXEMPT_ADMINS", true), "exempt admins from detection")
	flag.StringVar(&cfg.CommandPrefix, "prefix", envOrDefault("MUTE_PREFIX", "/"), "command prefix")
	flag.IntVar(&windowSec, "window", envInt("MUTE_WINDOW", 10), "detection window in seconds")
	flag.IntVar(&cfg.Detection.Threshold, "threshold", envInt("MUTE_THRESHOLD", 5), "messages per window that trigger a mute")
	flag.IntVar(&cfg.Detection.BaseDurationSec, "base-duration", envInt("MUTE_BASE_DURATION", 60), "first mute duration in seconds")
	flag.Float64Var(&cfg.Detection.Multiplier, "multiplier", envFloat("MUTE_MULTIPLIER", 2.0), "mute escalation multiplier")
	flag.IntVar(&cfg.Detection.MaxDurationSec, "max-duration", envInt("MUTE_MAX_DURATION", 3600), "mute duration cap in seconds")
	flag.Parse()

	cfg.Detection.Window = time.Duration(windowSec) * time.Second
	cfg.Groups = parseIDs(groups)
	cfg.Admins = parseIDs(admins)
	cfg.Whitelist = parseIDs(whitelist)

	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func parseIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
