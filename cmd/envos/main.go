package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/evanphx/envos/config"
	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/kernel"
	clog "github.com/evanphx/envos/log"
	"github.com/evanphx/envos/monitor"
	"github.com/evanphx/envos/sched"
	"github.com/evanphx/envos/syscalls"
	"github.com/spf13/pflag"
)

var (
	fConfig        = pflag.StringP("config", "c", "", "boot configuration file")
	fTrace         = pflag.BoolP("trace", "t", false, "trace dispatches and every executed instruction")
	fCapacity      = pflag.Int("capacity", kernel.DefaultCapacity, "number of environment slots")
	fMaxDispatches = pflag.Int("max-dispatches", 0, "stop after this many dispatches (0 = until idle)")
	fReport        = pflag.String("report", "", "write a CBOR snapshot of the final table to this file")
	fDemo          = pflag.Bool("demo", false, "boot two built-in programs that print and yield")
)

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	err := boot(context.Background())

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	if *fConfig != "" {
		var err error
		cfg, err = config.Load(*fConfig)
		if err != nil {
			return nil, err
		}
	}

	flags := pflag.CommandLine

	if flags.Changed("trace") {
		cfg.Trace = *fTrace
	}

	if flags.Changed("capacity") {
		cfg.Capacity = *fCapacity
	}

	if flags.Changed("max-dispatches") {
		cfg.MaxDispatches = *fMaxDispatches
	}

	cfg.AddImages(pflag.Args()...)

	return cfg, cfg.Validate()
}

func boot(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	clog.EnableDebug(cfg.Trace)
	exec.EnableStepTrace(cfg.Trace)

	k, err := kernel.NewKernel(kernel.Options{
		Capacity:    cfg.Capacity,
		MemoryLimit: cfg.MemoryLimit,
		CacheSize:   cfg.CacheSize,
	})
	if err != nil {
		return err
	}

	k.MaxDispatches = cfg.MaxDispatches

	if err := syscalls.NewInvoker(k).Install(); err != nil {
		return err
	}

	if *fDemo {
		kind, err := cfg.DefaultKind()
		if err != nil {
			return err
		}

		for _, buf := range demoImages() {
			k.MustCreate(buf, kind)
		}
	}

	for _, img := range cfg.Images {
		buf, closer, err := readImage(img.Path)
		if err != nil {
			return err
		}

		defer closer()

		kind, err := cfg.ImageKind(img)
		if err != nil {
			return err
		}

		id := k.MustCreate(buf, kind)
		clog.L.Info("created environment", "id", id, "path", img.Path)
	}

	if err := k.Run(ctx, sched.RoundRobin{}); err != nil {
		return err
	}

	report := monitor.Snapshot(k)

	if err := report.WriteTable(os.Stdout); err != nil {
		return err
	}

	if *fReport != "" {
		f, err := os.Create(*fReport)
		if err != nil {
			return err
		}

		defer f.Close()

		if err := report.EncodeCBOR(f); err != nil {
			return err
		}
	}

	return nil
}
