package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/ext2fs/internal/logger"
	"github.com/marmos91/ext2fs/pkg/config"
	"github.com/marmos91/ext2fs/pkg/ext2"
)

const usage = `ext2fs - inspect and manipulate ext2 volumes

Usage:
  ext2fs [flags] <command> [args]

Commands:
  info                 print superblock and group summary
  stat <path>          print inode attributes
  ls <path>            list a directory
  cat <path>           write file content to stdout
  readlink <path>      print a symlink target
  mkdir <path>         create a directory
  rmdir <path>         remove an empty directory
  rm <path>            remove a file or symlink
  write <path>         create/overwrite a file with stdin content
  serve                keep the volume mounted and expose metrics

Flags:
`

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	readOnly := flag.Bool("read-only", false, "Mount the volume read-only")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ext2fs: %v\n", err)
		os.Exit(1)
	}
	if *readOnly {
		cfg.Mount.ReadOnly = true
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "ext2fs: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "ext2fs: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	metricsResult := config.InitializeMetrics(cfg)

	dev, err := config.CreateDevice(ctx, &cfg.Device)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			logger.Error("closing device: %v", cerr)
		}
	}()

	fs, err := ext2.Mount(ctx, dev, ext2.MountOptions{
		ReadOnly: cfg.Mount.ReadOnly,
		Metrics:  metricsResult.Filesystem,
	})
	if err != nil {
		return err
	}
	defer func() {
		if uerr := fs.Unmount(context.Background()); uerr != nil {
			logger.Error("unmounting: %v", uerr)
		}
	}()

	creds := ext2.Credentials{}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "info":
		return cmdInfo(fs)
	case "stat":
		return withPath(rest, func(p string) error { return cmdStat(ctx, fs, creds, p) })
	case "ls":
		return withPath(rest, func(p string) error { return cmdLs(ctx, fs, creds, p) })
	case "cat":
		return withPath(rest, func(p string) error { return cmdCat(ctx, fs, creds, p) })
	case "readlink":
		return withPath(rest, func(p string) error {
			target, err := fs.Readlink(ctx, creds, p)
			if err != nil {
				return err
			}
			fmt.Println(target)
			return nil
		})
	case "mkdir":
		return withPath(rest, func(p string) error { return fs.Mkdir(ctx, creds, p, 0o755) })
	case "rmdir":
		return withPath(rest, func(p string) error { return fs.Rmdir(ctx, creds, p) })
	case "rm":
		return withPath(rest, func(p string) error { return fs.Unlink(ctx, creds, p) })
	case "write":
		return withPath(rest, func(p string) error { return cmdWrite(ctx, fs, creds, p) })
	case "serve":
		return cmdServe(ctx, metricsResult)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func withPath(args []string, fn func(path string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}
	return fn(args[0])
}

func cmdInfo(fs *ext2.Filesystem) error {
	geo := fs.Geometry()
	totalBlocks, freeBlocks, totalInodes, freeInodes := fs.Stats()

	fmt.Printf("block size:        %d\n", geo.BlockSize)
	fmt.Printf("block groups:      %d\n", geo.GroupCount)
	fmt.Printf("blocks:            %d (%d free)\n", totalBlocks, freeBlocks)
	fmt.Printf("inodes:            %d (%d free)\n", totalInodes, freeInodes)
	fmt.Printf("inode size:        %d\n", geo.InodeSize)
	fmt.Printf("pointers/block:    %d\n", geo.PointersPerBlock)
	return nil
}

func cmdStat(ctx context.Context, fs *ext2.Filesystem, creds ext2.Credentials, path string) error {
	info, err := fs.Stat(ctx, creds, path)
	if err != nil {
		return err
	}

	fmt.Printf("inode:  %d\n", info.Inode)
	fmt.Printf("mode:   %06o\n", info.Mode)
	fmt.Printf("owner:  %d:%d\n", info.UID, info.GID)
	fmt.Printf("size:   %d\n", info.Size)
	fmt.Printf("links:  %d\n", info.LinksCount)
	fmt.Printf("blocks: %d\n", info.BlocksCount)
	return nil
}

func cmdLs(ctx context.Context, fs *ext2.Filesystem, creds ext2.Credentials, path string) error {
	f, err := fs.Open(ctx, creds, path, ext2.OpenRead, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	cursor := uint32(0)
	for {
		entries, err := f.Readdir(ctx, cursor, 64)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%8d  %s\n", entry.Inode, entry.Name)
		}
		cursor = entries[len(entries)-1].NextCursor
	}
}

func cmdCat(ctx context.Context, fs *ext2.Filesystem, creds ext2.Credentials, path string) error {
	f, err := fs.Open(ctx, creds, path, ext2.OpenRead, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(ctx, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func cmdWrite(ctx context.Context, fs *ext2.Filesystem, creds ext2.Credentials, path string) error {
	f, err := fs.Open(ctx, creds, path,
		ext2.OpenWrite|ext2.OpenCreate|ext2.OpenTruncate, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := f.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func cmdServe(ctx context.Context, metricsResult *config.MetricsResult) error {
	if metricsResult.Server == nil {
		logger.Info("metrics disabled, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}
	return metricsResult.Server.Start(ctx)
}
