package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v3"

	"github.com/Kruppes/TeddyPlayer/internal/api"
	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/liveness"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/player"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
	"github.com/Kruppes/TeddyPlayer/internal/store"
	"github.com/Kruppes/TeddyPlayer/internal/tasks"
	"github.com/Kruppes/TeddyPlayer/internal/teddycloud"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
	"github.com/Kruppes/TeddyPlayer/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:  "teddyplayer",
		Usage: "RFID reader to playback-endpoint mediation server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config-dir", Usage: "config and cache directory (CONFIG_DIR)"},
			&cli.StringFlag{Name: "listen", Usage: "listen address (LISTEN_ADDR)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(cmd.String("config-dir"), cmd.String("listen"))
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(configDir, listen string) error {
	v := version.Get()
	fmt.Printf("TeddyPlayer %s (%s)\n", v.Version, v.GitCommit)

	logs := api.NewLogCapture(100)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg := config.Load(configDir)
	if listen != "" {
		cfg.Listen = listen
	}
	prefs := config.LoadPreferences(cfg.ConfigDir)

	// Durable state.
	deviceCache := store.OpenDeviceCache(cfg.ConfigDir)
	readerCache := store.OpenReaderCache(cfg.ConfigDir)
	uploadQueue := store.OpenUploadQueue(cfg.ConfigDir)

	// Transcoding pipeline.
	ffmpeg := transcode.NewFFmpeg(cfg.FFmpegPath)
	if !ffmpeg.Available() {
		log.Printf("[main] warning: ffmpeg not runnable at %q", cfg.FFmpegPath)
	}
	prober := transcode.NewProber(cfg.FFprobePath)
	cacheStore := cache.New(cfg.CacheDir(), func() int { return cfg.AudioCacheMaxMB }, cfg.FFmpegPath)
	coordinator := encoding.NewCoordinator(cacheStore, ffmpeg, prober)

	// Devices and mirroring.
	controller := devices.NewController(deviceCache)
	engine := mirror.NewEngine(controller.SD, uploadQueue,
		func() int { return cfg.UploadMaxKbpsActive },
		func() int { return cfg.UploadMaxKbpsIdle })
	discoverer := &devices.Discoverer{Cache: deviceCache, Multiroom: controller.Multiroom}

	// Content port.
	tc := teddycloud.NewClient(cfg.InternalURL(), cfg.TeddyCloudAPIBase,
		time.Duration(cfg.TeddyCloudTimeoutSecs)*time.Second)

	sup := tasks.NewSupervisor()
	manager := readers.NewManager(controller)
	orch := player.New(cfg, prefs, tc, cacheStore, coordinator, controller,
		engine, manager, readerCache, deviceCache, prober, sup)
	server := api.NewServer(cfg, prefs, orch, tc, cacheStore, coordinator,
		engine, discoverer, deviceCache, ffmpeg, logs)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if tc.CheckConnection(startupCtx) {
		log.Printf("[main] connected to content server at %s", cfg.InternalURL())
	} else {
		log.Printf("[main] content server not accessible at %s", cfg.InternalURL())
	}
	cancelStartup()

	// Intents that survived a restart resume immediately.
	for ip := range engine.PendingAll() {
		deviceIP := ip
		sup.Go("startup-resume:"+deviceIP, func(ctx context.Context) {
			engine.Resume(ctx, deviceIP)
		})
	}

	supervisor := liveness.NewSupervisor(controller.SD, manager,
		orch.DeviceForReader, orch.TouchLastSeen)

	var g run.Group
	{
		httpServer := &http.Server{Addr: cfg.Address(), Handler: server.Handler()}
		g.Add(func() error {
			log.Printf("[main] listening on %s", cfg.Address())
			return httpServer.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		})
	}
	{
		stop := make(chan struct{})
		g.Add(func() error {
			if err := supervisor.Start(); err != nil {
				return err
			}
			<-stop
			return nil
		}, func(error) {
			supervisor.Stop()
			close(stop)
		})
	}
	{
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		done := make(chan struct{})
		g.Add(func() error {
			select {
			case s := <-sig:
				return fmt.Errorf("received signal %s", s)
			case <-done:
				return nil
			}
		}, func(error) {
			close(done)
		})
	}

	err := g.Run()
	sup.Shutdown()
	log.Printf("[main] shut down: %v", err)
	return err
}
