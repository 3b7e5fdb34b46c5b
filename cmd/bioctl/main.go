// Command bioctl formats, recovers, inspects and exercises disk images
// managed by the journal.
//
// Usage:
//
//	bioctl [-config bio.yaml] mkfs
//	bioctl [-config bio.yaml] recover
//	bioctl [-config bio.yaml] dump
//	bioctl [-config bio.yaml] df
//	bioctl [-config bio.yaml] stress [-threads 8] [-ops 100] [-width 2]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wangdi7670/MIT6.1810/alloc"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/config"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/jrnl"
	"github.com/wangdi7670/MIT6.1810/logger"
	"github.com/wangdi7670/MIT6.1810/super"
	"github.com/wangdi7670/MIT6.1810/wal"
)

var configPath = flag.String("config", "", "YAML configuration file (defaults apply when empty)")

var errUsage = errors.New("usage: bioctl [-config file] mkfs|recover|dump|df|stress [flags]")

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "bioctl:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(*configPath)
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer l.Sync()
	zap.ReplaceGlobals(l)

	d, err := disk.NewFileDisk(cfg.Disk.Path, cfg.Disk.Blocks)
	if err != nil {
		return err
	}
	defer d.Close()

	switch args[0] {
	case "mkfs":
		return mkfs(cfg, d)
	case "recover":
		return recoverImage(cfg, d)
	case "dump":
		return dump(d)
	case "df":
		return df(cfg, d)
	case "stress":
		return stress(cfg, d, args[1:])
	default:
		return errUsage
	}
}

func journalConfig(cfg *config.Config) jrnl.Config {
	return jrnl.Config{
		Buckets:     cfg.Cache.Buckets,
		BucketSize:  cfg.Cache.BucketSize,
		MaxOpBlocks: cfg.Log.MaxOpBlocks,
	}
}

func mkfs(cfg *config.Config, d disk.Disk) error {
	fs, err := jrnl.Mkfs(d, cfg.Log.NLog)
	if err != nil {
		return err
	}
	zap.L().Info("formatted",
		zap.String("path", cfg.Disk.Path),
		zap.Uint64("size", fs.Size),
		zap.Uint64("nlog", fs.NLog),
		zap.Uint64("datastart", fs.DataStart()))
	return nil
}

func recoverImage(cfg *config.Config, d disk.Disk) error {
	j, err := jrnl.Mount(d, common.ROOTDEV, journalConfig(cfg))
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d blocks\n", j.Log.Stats().RecoveredBlocks)
	return nil
}

func dump(d disk.Disk) error {
	fs, err := super.ReadFsSuper(d)
	if err != nil {
		return err
	}
	fmt.Printf("magic %#x size %d nlog %d logstart %d datastart %d\n",
		fs.Magic, fs.Size, fs.NLog, fs.LogStart, fs.DataStart())
	pending, err := wal.PendingBlocks(d, fs.LogStart)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("log empty")
		return nil
	}
	fmt.Printf("log holds a committed transaction of %d blocks: %v\n",
		len(pending), pending)
	return nil
}

// df mounts the image and reports its free data blocks.
func df(cfg *config.Config, d disk.Disk) error {
	j, err := jrnl.Mount(d, common.ROOTDEV, journalConfig(cfg))
	if err != nil {
		return err
	}
	a := alloc.ForJournal(j)
	op := jrnl.Begin(j)
	free := a.NumFree(op)
	op.Commit()
	total := j.Super.Size - j.Super.DataStart()
	fmt.Printf("%d of %d data blocks free\n", free, total)
	return nil
}
