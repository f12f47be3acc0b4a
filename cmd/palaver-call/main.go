// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Palaver-call is a terminal client for one-to-one calls. It connects
// to the shared Redis store named in the configuration file, answers
// incoming calls, and places outgoing ones from a line-based prompt:
//
//	call <user> [video]   place a call
//	answer                answer the ringing call
//	decline               decline the ringing call
//	end                   hang up
//	mute / unmute         pause or resume the microphone
//	video on|off          pause or resume the camera
//	camera                switch to the next camera
//	history               print recent calls
//	quit                  exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/history"
	"github.com/palaver-im/palaver/lib/clock"
	"github.com/palaver-im/palaver/lib/config"
	"github.com/palaver-im/palaver/session"
	"github.com/palaver-im/palaver/signaling"
	"github.com/palaver-im/palaver/webrtc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		verbose    bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the configuration file")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	path, err := config.Locate(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	clk := clock.Real()
	channel := signaling.NewRedisChannel(client, clk, logger)
	defer channel.Close()

	var callLog *history.Store
	if cfg.Calling.HistoryPath != "" {
		callLog, err = history.Open(ctx, history.StoreConfig{
			Path:   cfg.Calling.HistoryPath,
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer callLog.Close()
	}

	media := webrtc.NewFactory(
		webrtc.ICEConfigFromSettings(cfg.ICE.Servers),
		webrtc.StaticCapture{Cameras: 1},
		logger,
	)

	opts := session.Options{
		UserID:      cfg.Identity.UserID,
		Channel:     channel,
		Media:       media,
		Clock:       clk,
		Logger:      logger,
		RingTimeout: cfg.Calling.RingTimeout,
	}
	if callLog != nil {
		opts.Log = callLog
	}
	controller := session.New(opts)
	watcher := session.NewWatcher(session.WatcherOptions{
		UserID:      cfg.Identity.UserID,
		Channel:     channel,
		Controller:  controller,
		Clock:       clk,
		Logger:      logger,
		RingTimeout: cfg.Calling.RingTimeout,
	})

	go func() {
		if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("controller stopped", "error", err)
		}
	}()
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("incoming watcher stopped", "error", err)
		}
	}()
	go printUpdates(controller, cfg.Identity.UserID)

	logger.Info("ready", "user_id", cfg.Identity.UserID, "redis", cfg.Redis.Addr)
	return prompt(ctx, controller, callLog)
}

// printUpdates renders state transitions for the user.
func printUpdates(controller *session.Controller, userID string) {
	for snap := range controller.Updates() {
		switch snap.Phase {
		case calling.PhaseIncomingRinging:
			fmt.Printf("\n*** incoming %s call from %s (answer/decline)\n",
				snap.Call.Type, snap.Call.CallerID)
		case calling.PhaseOutgoingRinging:
			fmt.Printf("ringing %s...\n", snap.Call.RecipientID)
		case calling.PhaseActive:
			fmt.Printf("call with %s connected\n", snap.Call.PeerOf(userID))
		case calling.PhaseEnded:
			fmt.Printf("call ended (%s)\n", snap.Reason)
		}
	}
}

func prompt(ctx context.Context, controller *session.Controller, callLog *history.Store) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: call <user> [video]")
				break
			}
			callType := calling.CallTypeAudio
			if len(fields) > 2 && fields[2] == "video" {
				callType = calling.CallTypeVideo
			}
			_, err = controller.StartCall(ctx, fields[1], callType)
		case "answer":
			err = controller.Answer(ctx)
		case "decline":
			err = controller.Decline(ctx)
		case "end":
			err = controller.End(ctx)
			if err == nil {
				err = controller.Reset(ctx)
			}
		case "mute":
			err = controller.SetMuted(ctx, true)
		case "unmute":
			err = controller.SetMuted(ctx, false)
		case "video":
			if len(fields) < 2 || (fields[1] != "on" && fields[1] != "off") {
				err = fmt.Errorf("usage: video on|off")
				break
			}
			err = controller.SetVideoEnabled(ctx, fields[1] == "on")
		case "camera":
			err = controller.SwitchCamera(ctx)
		case "history":
			err = printHistory(ctx, callLog)
		case "quit", "exit":
			return nil
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func printHistory(ctx context.Context, callLog *history.Store) error {
	if callLog == nil {
		return fmt.Errorf("call history is not configured")
	}
	entries, err := callLog.List(ctx, 20)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s  %s -> %s  %s  %s",
			entry.StartedAt.Local().Format("2006-01-02 15:04"),
			entry.CallerID, entry.RecipientID, entry.Type, entry.Status)
		if duration := entry.Duration(); duration > 0 {
			line += fmt.Sprintf("  %s", duration.Round(time.Second))
		}
		fmt.Println(line)
	}
	return nil
}
