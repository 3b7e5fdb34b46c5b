package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wangdi7670/MIT6.1810/alloc"
	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/config"
	"github.com/wangdi7670/MIT6.1810/disk"
	"github.com/wangdi7670/MIT6.1810/jrnl"
)

// stress runs concurrent operations, each rewriting its worker's own set
// of freshly allocated blocks with one value, and checks that every set
// ends up uniform. The blocks are freed again at the end.
func stress(cfg *config.Config, d disk.Disk, args []string) error {
	fl := flag.NewFlagSet("stress", flag.ContinueOnError)
	threads := fl.Int("threads", 8, "concurrent workers")
	ops := fl.Int("ops", 100, "operations per worker")
	width := fl.Uint64("width", 2, "blocks written per operation")
	if err := fl.Parse(args); err != nil {
		return err
	}

	jcfg := journalConfig(cfg)
	if *width == 0 || *width > jcfg.MaxOpBlocks {
		return fmt.Errorf("stress: width must be in [1, %d]", jcfg.MaxOpBlocks)
	}
	reg := prometheus.NewRegistry()
	jcfg.Registerer = reg
	j, err := jrnl.Mount(d, common.ROOTDEV, jcfg)
	if err != nil {
		return err
	}
	a := alloc.ForJournal(j)
	sets := make([][]common.Bnum, *threads)
	for t := range sets {
		set, err := allocSet(j, a, *width)
		if err != nil {
			return err
		}
		sets[t] = set
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	for _, set := range sets {
		set := set
		g.Go(func() error {
			for i := 0; i < *ops; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				op := jrnl.Begin(j)
				for _, bn := range set {
					b := op.ReadBlock(bn)
					fill(b.Data(), byte(i))
					op.Write(b)
					op.Release(b)
				}
				op.Commit()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stress: %w", err)
	}

	for _, set := range sets {
		if err := checkSet(j, set); err != nil {
			return err
		}
		op := jrnl.Begin(j)
		for _, bn := range set {
			a.FreeNum(op, bn)
		}
		op.Commit()
	}
	cs, ls := j.Cache.Stats(), j.Log.Stats()
	j.Logger().Info("stress done",
		zap.Int("threads", *threads),
		zap.Int("ops", *ops),
		zap.Uint64("commits", ls.Commits),
		zap.Uint64("committed_blocks", ls.CommittedBlocks),
		zap.Uint64("admission_waits", ls.AdmissionWaits),
		zap.Uint64("hits", cs.Hits),
		zap.Uint64("misses", cs.Misses),
		zap.Uint64("steals", cs.Steals))
	return nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// allocSet allocates width blocks in one operation.
func allocSet(j *jrnl.Journal, a *alloc.Alloc, width uint64) ([]common.Bnum, error) {
	op := jrnl.Begin(j)
	defer op.Commit()
	set := make([]common.Bnum, 0, width)
	for k := uint64(0); k < width; k++ {
		bn, ok := a.AllocNum(op)
		if !ok {
			for _, bn := range set {
				a.FreeNum(op, bn)
			}
			return nil, errors.New("stress: out of data blocks")
		}
		set = append(set, bn)
	}
	return set, nil
}

func checkSet(j *jrnl.Journal, set []common.Bnum) error {
	op := jrnl.Begin(j)
	defer op.Commit()
	b0 := op.ReadBlock(set[0])
	want := append([]byte(nil), b0.Data()...)
	op.Release(b0)
	for _, bn := range set[1:] {
		b := op.ReadBlock(bn)
		same := bytes.Equal(want, b.Data())
		op.Release(b)
		if !same {
			return fmt.Errorf("stress: block %d differs from block %d", bn, set[0])
		}
	}
	return nil
}
