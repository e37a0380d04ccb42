package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/adapters/media"
	"github.com/huddlekit/huddle/internal/adapters/relay"
	"github.com/huddlekit/huddle/internal/adapters/rtc"
	"github.com/huddlekit/huddle/internal/adapters/wsbus"
	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/app/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/domain"
)

// huddle is the headless client: it joins the channel named on the
// command line and stays in the call until interrupted.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: huddle <channel>")
	}
	channel := &domain.Channel{ID: domain.ChannelID(os.Args[1])}

	devices, err := media.NewDevices(cfg.VoiceThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("media devices")
	}
	peers, err := rtc.NewFactory(devices.ConfigureEngine)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	token := uuid.NewString()
	rpc := wsbus.NewRPCClient(cfg.ServerURL, token)
	bus := wsbus.NewBusClient(cfg.ServerURL, token)
	go bus.Run(ctx)

	ctrl := call.NewController(call.Deps{
		Config:   cfg,
		Registry: app.NewRegistry(),
		Timers:   app.NewTimerRegistry(),
		Peers:    peers,
		Relay:    relay.NewNotifier(rpc, cfg.BatchWindow),
		RPC:      rpc,
		Media:    devices,
		Bus:      bus,
	})
	ctrl.OnSessionUpdate(func(s domain.RtcSession) {
		log.Info().Str("module", "main").Str("sid", string(s.ID)).Str("state", s.State.String()).Bool("mute", s.IsMute).Bool("talking", s.IsTalking).Msg("session update")
	})
	go ctrl.Run(ctx)

	if err := ctrl.JoinCall(ctx, channel, false); err != nil {
		log.Fatal().Err(err).Msg("join call")
	}

	<-ctx.Done()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := ctrl.LeaveCall(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave call")
	}
	log.Info().Msg("bye")
}
