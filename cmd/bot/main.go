package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"voxelstream/internal/viewer"
)

// bot is a headless viewer: it joins a world, walks along +x and reports how the chunk
// stream keeps up.
func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "ws url")
		worldName = flag.String("world", "", "world name (empty for the default world)")
		name      = flag.String("name", "bot", "display name")
		chunkSize = flag.Int("chunk_size", 16, "world chunk size")
		maxHeight = flag.Int("max_height", 256, "world max height")
		dimension = flag.Int("dimension", 1, "world units per voxel")
		render    = flag.Int("render_radius", 4, "render radius in chunks")
		request   = flag.Int("request_radius", 5, "request radius in chunks")
		speed     = flag.Float64("speed", 0.25, "world units walked per frame")
		frames    = flag.Int("frames", 0, "stop after this many frames (0 runs until interrupted)")
		chat      = flag.String("chat", "", "chat line to send once the world is ready")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithField("component", "bot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := viewer.Dial(dialCtx, viewer.ClientOptions{
		URL:   *url,
		World: *worldName,
		Name:  *name,
		Scheduler: viewer.Options{
			ChunkSize:     *chunkSize,
			MaxHeight:     *maxHeight,
			Dimension:     *dimension,
			RenderRadius:  *render,
			RequestRadius: *request,
		},
		Logger: log,
	})
	dialCancel()
	if err != nil {
		log.WithError(err).Fatal("dial")
	}
	defer c.Close()
	log.WithFields(logrus.Fields{"id": c.ID, "spawn": c.Spawn, "time": c.WorldTime}).Info("joined")

	start := time.Now()
	readyLogged := false
	err = c.Run(ctx, func(frame int) mgl32.Vec3 {
		s := c.Scheduler()
		if s.Ready() && !readyLogged {
			readyLogged = true
			log.WithFields(logrus.Fields{"after": time.Since(start).Round(time.Millisecond), "loaded": s.Loaded()}).Info("world ready")
			if *chat != "" {
				if err := c.Chat(*chat); err != nil {
					log.WithError(err).Warn("chat")
				}
			}
		}
		if frame > 0 && frame%120 == 0 {
			log.WithFields(logrus.Fields{
				"frame":     frame,
				"pos":       c.Position(),
				"loaded":    s.Loaded(),
				"visible":   s.Visible(),
				"requested": s.Requested(),
				"peers":     len(c.Peers),
			}).Info("stream")
		}
		if *frames > 0 && frame >= *frames {
			cancel()
		}
		return c.Spawn.Add(mgl32.Vec3{float32(*speed) * float32(frame), 0, 0})
	})
	if err != nil {
		log.WithError(err).Fatal("run")
	}
	log.Info("bye")
}
