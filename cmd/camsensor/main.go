// Command camsensor runs a simulated camera sensor: it renders a test pattern
// or still image, runs it through the lens pipeline on the GPU (or the CPU
// fallback) and reports every delivered frame.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/camsensor/compute"
	"github.com/openfluke/camsensor/config"
	"github.com/openfluke/camsensor/cpu"
	"github.com/openfluke/camsensor/gpu"
	"github.com/openfluke/camsensor/pipeline"
	"github.com/openfluke/camsensor/source"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	backend := flag.String("backend", "", "compute backend: auto, gpu or cpu (overrides the config file)")
	adapter := flag.String("adapter", "nvidia", "preferred adapter name or vendor")
	frames := flag.Int("frames", 30, "number of frames to trigger, 0 runs until interrupted")
	imagePath := flag.String("image", "", "render this PNG/JPEG/WEBP instead of the test pattern")
	outDir := flag.String("out", "", "write delivered frames as PNG into this directory")
	probe := flag.Bool("probe", false, "print the GPU adapter report and exit")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := initLogger(*debugMode)

	if *probe {
		c, err := gpu.GetContext(gpu.ContextOptions{PreferAdapter: *adapter, Log: logger})
		if err != nil {
			logger.WithError(err).Fatal("no GPU adapter")
		}
		report, err := c.ReportJSON()
		if err != nil {
			logger.WithError(err).Fatal("adapter report failed")
		}
		fmt.Println(report)
		return
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.WithError(err).Fatal("failed to load configuration")
		}
	}
	if *backend != "" {
		cfg.Backend = backend
		if err := cfg.Validate(); err != nil {
			logger.WithError(err).Fatal("invalid backend")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *adapter, *frames, *imagePath, *outDir); err != nil {
		logger.WithError(err).Fatal("camera sensor failed")
	}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return logger
}

// openDevice opens the configured backend. "auto" falls back to the CPU
// device when no adapter is available.
func openDevice(logger *logrus.Logger, cfg *config.Config, adapter string) (compute.Device, error) {
	backend := cfg.GetBackend()
	if backend == "cpu" {
		return cpu.New(cpu.Options{}), nil
	}

	dev, err := gpu.Open(gpu.Options{
		Context: gpu.ContextOptions{PreferAdapter: adapter, LowPower: !cfg.GetHighPerformance()},
		Log:     logger,
	})
	if err == nil {
		return dev, nil
	}
	if backend == "gpu" {
		return nil, err
	}
	logger.WithError(err).Warn("GPU unavailable, using CPU device")
	return cpu.New(cpu.Options{}), nil
}

func run(ctx context.Context, logger *logrus.Logger, cfg *config.Config, adapter string, frames int, imagePath, outDir string) error {
	dev, err := openDevice(logger, cfg, adapter)
	if err != nil {
		return err
	}
	defer dev.Close()

	var src pipeline.RenderSource = source.NewTestPattern()
	if imagePath != "" {
		still, err := source.LoadStillImage(imagePath)
		if err != nil {
			return err
		}
		src = still
	}

	var writer *frameWriter
	if outDir != "" {
		if writer, err = newFrameWriter(outDir); err != nil {
			return err
		}
	}

	delivered := 0
	sink := pipeline.SinkFunc(func(out pipeline.OutputData) {
		delivered++
		logger.WithFields(logrus.Fields{
			"sensor": out.Sensor.String(),
			"seq":    out.Sequence,
			"bytes":  len(out.Bytes),
			"crc32":  fmt.Sprintf("%08x", crc32.ChecksumIEEE(out.Bytes)),
		}).Info("frame delivered")
		if writer != nil {
			if err := writer.Write(out); err != nil {
				logger.WithError(err).Warn("failed to write frame")
			}
		}
	})

	metrics := pipeline.NewCounters()
	opts := append(cfg.Options(), pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	orch, err := pipeline.New(dev, cfg.Parameters(), src, sink, opts...)
	if err != nil {
		return err
	}
	defer orch.Close()

	ticker := time.NewTicker(cfg.GetTickInterval())
	defer ticker.Stop()

	triggered := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			logSummary(logger, metrics)
			return nil
		case <-ticker.C:
		}

		if frames == 0 || triggered < frames {
			triggered++
			if err := orch.Trigger(); err != nil {
				logger.WithError(err).Debug("trigger not accepted")
			}
		}
		orch.Tick()

		s := metrics.Snapshot()
		if frames > 0 && triggered >= frames && orch.State() == pipeline.Idle && orch.Deferred() == 0 {
			logSummary(logger, metrics)
			if s.Delivered == 0 {
				return fmt.Errorf("no frame delivered out of %d triggered", triggered)
			}
			return nil
		}
	}
}

func logSummary(logger *logrus.Logger, metrics *pipeline.Counters) {
	s := metrics.Snapshot()
	logger.WithFields(logrus.Fields{
		"requested": s.RenderRequested,
		"delivered": s.Delivered,
		"dropped":   s.TotalDropped(),
		"drops":     s.Dropped,
	}).Info("camera sensor stopped")
}
