package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/ext2fs/internal/logger"
	"github.com/marmos91/ext2fs/pkg/config"
	"github.com/marmos91/ext2fs/pkg/ext2"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	blockSize := flag.Uint("block-size", 1024, "Block size in bytes (1024, 2048 or 4096)")
	inodesPerGroup := flag.Uint("inodes-per-group", 0, "Inodes per block group (0 = derived)")
	label := flag.String("label", "", "Volume label (at most 16 bytes)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkext2fs: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "mkext2fs: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := config.CreateDevice(ctx, &cfg.Device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkext2fs: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			logger.Error("closing device: %v", cerr)
		}
	}()

	opts := ext2.FormatOptions{
		BlockSize:      uint32(*blockSize),
		InodesPerGroup: uint32(*inodesPerGroup),
		VolumeName:     *label,
	}

	if err := ext2.Format(ctx, dev, opts); err != nil {
		fmt.Fprintf(os.Stderr, "mkext2fs: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("volume formatted")
}
