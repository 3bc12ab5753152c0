package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"dicommesh/internal/server"
	"dicommesh/pkg/casestore"
	"dicommesh/pkg/cases"
	"dicommesh/pkg/config"
	"dicommesh/pkg/logger"
	"dicommesh/pkg/meshcache"
	"dicommesh/pkg/reconstruction"
)

const usage = `Usage: dicommesh <command> [flags]

Commands:
  serve        run the HTTP service
  mesh         build a mesh from a slice directory or zip archive
  init-config  write a default configuration file

Run "dicommesh <command> --help" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "mesh":
		err = runMesh(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file and applies flag overrides on top.
func loadConfig(path string, apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.NewWithFile(cfg.Logging.Mode, logger.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Configuration file")
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	dataDir := fs.String("data-dir", "", "Case storage directory (overrides storage.dataDir)")
	cores := fs.Int("cores", 0, "Slices parsed concurrently (overrides processing.numCores)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, func(c *config.Config) {
		if *addr != "" {
			c.Server.Addr = *addr
		}
		if *dataDir != "" {
			c.Storage.DataDir = *dataDir
		}
		if *cores > 0 {
			c.Processing.NumCores = *cores
		}
	})
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	store, err := casestore.New(cfg.Storage.DataDir, log.With("component", "casestore"))
	if err != nil {
		return err
	}
	meshes := meshcache.New(store,
		meshcache.WithHotCacheMB(cfg.Storage.HotCacheMB),
		meshcache.WithNormals(cfg.Mesh.ComputeNormals),
		meshcache.WithLogger(log.With("component", "meshcache")))
	svc := cases.NewService(store, meshes,
		cases.WithDefaultThreshold(cfg.Mesh.DefaultThreshold),
		cases.WithWorkers(cfg.Processing.NumCores),
		cases.WithLogger(log.With("component", "cases")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting dicommesh", "data_dir", cfg.Storage.DataDir, "hot_cache_mb", cfg.Storage.HotCacheMB)
	return server.New(svc, cfg, log).Run(ctx, cfg.Server.Addr)
}

func runMesh(args []string) error {
	fs := flag.NewFlagSet("mesh", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Configuration file")
	input := fs.StringP("input", "i", "", "Slice directory, zip archive or single DICOM file")
	output := fs.StringP("output", "o", "output.stl", "Output mesh (.stl or .json)")
	threshold := fs.Float64P("threshold", "t", meshcache.DefaultThreshold, "Iso level in [0, 1]")
	cores := fs.Int("cores", 0, "Slices parsed concurrently")
	noNormals := fs.Bool("no-normals", false, "Skip per-vertex normals")
	previews := fs.String("previews", "", "Write orthogonal slice previews to this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return fmt.Errorf("--input is required")
	}
	if _, err := meshcache.Key(*threshold); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, func(c *config.Config) {
		if *cores > 0 {
			c.Processing.NumCores = *cores
		}
		if *noNormals {
			c.Mesh.ComputeNormals = false
		}
	})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	params := &reconstruction.Params{
		InputPath:               *input,
		OutputFile:              *output,
		Threshold:               *threshold,
		NumCores:                cfg.Processing.NumCores,
		ComputeNormals:          cfg.Mesh.ComputeNormals,
		SaveIntermediaryResults: *previews != "",
		IntermediaryDir:         *previews,
	}
	r := reconstruction.NewReconstructor(params, log)
	if err := r.Process(context.Background()); err != nil {
		return err
	}

	s := r.GetSummary()
	fmt.Printf("Mesh written to %s in %.2fs\n", *output, s.Elapsed.Round(time.Millisecond).Seconds())
	fmt.Printf("  slices:   %d\n", s.Slices)
	fmt.Printf("  volume:   %dx%dx%d, spacing %.3g x %.3g x %.3g mm\n",
		s.Shape[0], s.Shape[1], s.Shape[2], s.Spacing[0], s.Spacing[1], s.Spacing[2])
	fmt.Printf("  intensity mean %.1f, stddev %.1f\n", s.Mean, s.StdDev)
	fmt.Printf("  mesh:     %d vertices, %d faces\n", s.Vertices, s.Faces)
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	path := fs.StringP("output", "o", "config.yaml", "Where to write the configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Println("Default configuration written to", *path)
	return nil
}
