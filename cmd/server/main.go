package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/multiworld"
	"voxelstream/internal/sim/tuning"
	"voxelstream/internal/transport/ws"
)

func main() {
	// A missing .env is fine; flags and the process environment still apply.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envString("VOXEL_ADDR", ":8080"), "http listen address")
		worldsPath = flag.String("worlds", envString("VOXEL_WORLDS", "./configs/worlds.yaml"), "worlds config (.yaml or .toml)")
		tuningPath = flag.String("tuning", envString("VOXEL_TUNING", "./configs/tuning.yaml"), "tuning config (empty for defaults)")
		blocksPath = flag.String("blocks", envString("VOXEL_BLOCKS", ""), "block registry yaml (empty for the built-in registry)")
		dataDir    = flag.String("data", envString("VOXEL_DATA", "./data"), "runtime data directory")
		logFile    = flag.String("log_file", envString("VOXEL_LOG_FILE", ""), "rotate logs into this file instead of stdout")
		logLevel   = flag.String("log_level", envString("VOXEL_LOG_LEVEL", "info"), "log level")
		disableDB  = flag.Bool("disable_db", envBool("VOXEL_DISABLE_DB", false), "disable the per-world sqlite index")
	)
	flag.Parse()

	logger := newLogger(*logFile, *logLevel)
	log := logger.WithField("component", "server")

	blocks, err := catalogs.Load(strings.TrimSpace(*blocksPath))
	if err != nil {
		log.WithError(err).Fatal("load block registry")
	}
	tune, err := tuning.Load(optionalPath(*tuningPath))
	if err != nil {
		log.WithError(err).Fatal("load tuning")
	}
	cfg, err := multiworld.Load(optionalPath(*worldsPath))
	if err != nil {
		log.WithError(err).Fatal("load worlds config")
	}

	mgr, err := multiworld.Build(cfg, multiworld.Options{
		DataDir:      *dataDir,
		Blocks:       blocks,
		Tuning:       tune,
		DisableIndex: *disableDB,
		Logger:       logger,
	})
	if err != nil {
		log.WithError(err).Fatal("build worlds")
	}

	ctx, cancel := signalContext()
	defer cancel()

	worldsDone := make(chan error, 1)
	go func() { worldsDone <- mgr.Run(ctx) }()

	wsSrv := ws.NewServer(mgr, tune.OutboundBuffer, logger.WithField("component", "ws"))
	srv := &http.Server{
		Addr:              *addr,
		Handler:           buildMux(mgr, wsSrv, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.WithFields(logrus.Fields{"addr": *addr, "worlds": mgr.Names()}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("ListenAndServe")
		cancel()
	}
	if err := <-worldsDone; err != nil {
		log.WithError(err).Error("worlds stopped with error")
		os.Exit(1)
	}
	log.Info("bye")
}

func newLogger(file, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	if strings.TrimSpace(file) != "" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    64, // MB
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}))
	}
	return logger
}

// optionalPath turns a missing file into "" so the loader falls back to its defaults.
func optionalPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
