package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DrSmoothl/FastMessageMuteSystem/banqueue"
	"github.com/DrSmoothl/FastMessageMuteSystem/detector"
	"github.com/DrSmoothl/FastMessageMuteSystem/handler"
	"github.com/DrSmoothl/FastMessageMuteSystem/napcat"
	"github.com/DrSmoothl/FastMessageMuteSystem/store"
)

const reconnectDelay = 5 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := LoadConfig()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open state database", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	det := detector.New(cfg.Detection, st)
	client := napcat.New(napcat.Config{WSURL: cfg.WSURL, AccessToken: cfg.AccessToken})

	queue := banqueue.New(client)
	queue.Start()

	h := handler.New(handler.Config{
		Groups:        cfg.Groups,
		Admins:        cfg.Admins,
		Whitelist:     cfg.Whitelist,
		ExemptAdmins:  cfg.ExemptAdmins,
		CommandPrefix: cfg.CommandPrefix,
		Detection:     cfg.Detection,
	}, det, queue, client)
	client.AddMessageHandler(h.Handle)

	slog.Info("fast message mute system starting",
		"groups", cfg.Groups,
		"window", cfg.Detection.Window,
		"threshold", cfg.Detection.Threshold,
		"base_duration", cfg.Detection.BaseDurationSec,
		"max_duration", cfg.Detection.MaxDurationSec)

	go runSession(client)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	queue.Stop()
	client.Disconnect()
}

// runSession keeps one bridge session alive: connect, listen, and on any
// failure reconnect after a fixed delay, forever.
func runSession(client *napcat.Client) {
	for {
		if err := client.Connect(); err != nil {
			slog.Error("connect failed", "err", err)
		} else {
			if info, err := client.GetLoginInfo(); err != nil {
				slog.Warn("login info unavailable", "err", err)
			} else {
				slog.Info("logged in", "user", info.UserID, "nickname", info.Nickname)
			}
			if err := client.Listen(); err != nil {
				slog.Warn("session ended", "err", err)
			}
		}
		client.Disconnect()
		slog.Info("reconnecting", "delay", reconnectDelay)
		time.Sleep(reconnectDelay)
	}
}
