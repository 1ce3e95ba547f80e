package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"formcoach/internal/camera"
	"formcoach/internal/config"
	"formcoach/internal/metrics"
	"formcoach/internal/relay"
	"formcoach/internal/server"
	"formcoach/internal/socketio"
	"formcoach/internal/streamer"
	"formcoach/internal/version"
)

func main() {
	cfg, err := config.Load(envOr("FORMCOACH_CONFIG", ""))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	cam := newCamera(cfg.Camera)

	st := streamer.New(cfg.ServerURL, cam,
		streamer.WithExercise(streamer.Exercise{Name: cfg.Exercise.Name, Icon: cfg.Exercise.Icon}),
		streamer.WithInterval(cfg.Frame.Interval),
		streamer.WithFrameSize(cfg.Frame.Width, cfg.Frame.Height),
		streamer.WithJPEGQuality(cfg.Frame.Quality),
		streamer.WithQueueSize(cfg.Frame.QueueSize),
		streamer.WithNamespace(cfg.Namespace),
		streamer.WithReconnect(reconnectStrategy(cfg.Reconnect)),
		streamer.WithMetrics(m),
	)

	log.Printf("formcoach %s: backend %s, camera %s", version.Current().Current, cfg.ServerURL, cam.Name())
	if err := st.Mount(ctx); err != nil {
		return err
	}
	defer st.Unmount()

	if cfg.AutoStart {
		if err := st.Start(ctx); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Enabled() {
		r := relay.NewMQTT(relay.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		})
		if err := r.Connect(gctx); err != nil {
			// paho keeps retrying in the background
			log.Printf("relay: %v", err)
		}
		defer r.Close()
		g.Go(func() error {
			r.Run(gctx, st.Sink())
			return nil
		})
	}

	var opts []server.Option
	if cfg.CORSOrigin != "" {
		opts = append(opts, server.WithCORSOrigin(cfg.CORSOrigin))
	}
	opts = append(opts, server.WithMetrics(m.Handler()))
	srv := server.NewServer(st, opts...)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Printf("formcoach listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func newCamera(c config.CameraConfig) camera.Camera {
	if c.Kind == config.CameraTestPattern {
		return &camera.TestPattern{Width: c.Width, Height: c.Height}
	}
	return &camera.FFmpeg{
		Binary:       c.FFmpegPath,
		Device:       c.Device,
		InputFormat:  c.InputFormat,
		Width:        c.Width,
		Height:       c.Height,
		FrameRate:    c.FrameRate,
		StartTimeout: c.StartTimeout,
	}
}

func reconnectStrategy(c config.ReconnectConfig) socketio.Reconnect {
	if c.Strategy != config.ReconnectBackoff {
		return socketio.NoReconnect{}
	}
	return socketio.ExponentialBackoff{
		Initial:    c.Initial,
		Max:        c.Max,
		MaxRetries: c.MaxRetries,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
