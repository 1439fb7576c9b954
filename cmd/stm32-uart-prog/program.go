package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FT9R/stm32-uart-prog/buscontrol"
	"github.com/FT9R/stm32-uart-prog/fleet"
	"github.com/FT9R/stm32-uart-prog/ihex"
	"github.com/FT9R/stm32-uart-prog/mcu"
	"github.com/FT9R/stm32-uart-prog/session"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

func runProgram(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	f, err := os.Open(flagHexFile)
	if err != nil {
		log.WithError(err).Error("cannot open hex file")
		return exitCode(2)
	}
	defer f.Close()

	img, err := ihex.Read(f)
	if err != nil {
		log.WithError(err).Error("cannot parse hex file")
		return exitCode(2)
	}
	log.WithField("bytes", img.Len()).Info("loaded hex image")

	portOpts := xfer.DefaultOptions(flagPort)
	portOpts.Baud = flagBaud
	port, err := xfer.Open(portOpts)
	if err != nil {
		log.WithError(err).Error("cannot open serial port")
		return exitCode(3)
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setUpSignalHandler(cancel)

	hooks := buscontrol.New(port, flagBaud)

	cfg := session.DefaultConfig()
	cfg.RetriesCmd = flagRetriesCmd
	cfg.RetriesChunk = flagRetriesChunk
	cfg.RetriesSectorRecover = flagRetriesSector
	cfg.RunApplication = !flagNoGo

	report, err := fleet.Run(ctx, port, flagTargets.targets, hooks, img, mcu.Default(), cfg, log)
	if err != nil {
		log.WithError(err).Error("plan error, aborting before any target was touched")
		return exitCode(3)
	}

	if ctx.Err() != nil {
		return exitCode(130)
	}

	failed := report.Failed()
	if len(failed) > 0 {
		log.WithField("failed", len(failed)).Warn("one or more targets failed")
		return exitCode(1)
	}

	log.Info("all targets programmed successfully")
	return nil
}

func setUpSignalHandler(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		log.Warn("interrupted, finishing current command and releasing the bus")
		cancel()
	}()
}
