// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements letpctl, a tool to talk to the devices of a test
// bench without running tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"go.legato.io/letp/internal/logging"
)

const (
	signalChannelSize = 3 // capacity of channel used to intercept signals
)

// Version is the version info of this command. It is filled in at build time.
var Version = "<unknown>"

// newLogger creates a logger writing to stdout based on the supplied
// command-line flags.
func newLogger(verbose, logTime bool) logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	sink := logging.NewWriterSink(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		sink = logging.NewTerminalSink(os.Stdout)
	}
	return logging.NewSinkLogger(level, logTime, sink)
}

// installSignalHandler restores the terminal when the process is terminated
// by a signal, since a serial console may have left it in raw mode.
func installSignalHandler(ctx context.Context) {
	var st *term.State
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		var err error
		if st, err = term.GetState(fd); err != nil {
			logging.Info(ctx, "Failed to get terminal state: ", err)
		}
	}

	sc := make(chan os.Signal, signalChannelSize)
	go func() {
		for sig := range sc {
			if st != nil {
				term.Restore(fd, st)
			}
			fmt.Fprintf(os.Stdout, "\nCaught %v signal; exiting\n", sig)
			os.Exit(1)
		}
	}()
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newDetectCmd(os.Stdout), "")
	subcommands.Register(newRunCmd(os.Stdout), "")
	subcommands.Register(newATCmd(os.Stdout), "")
	subcommands.Register(newRebootCmd(), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log device traffic")
	logTime := flag.Bool("logtime", true, "include date/time headers in logs")
	logFile := flag.String("logfile", "", "also write debug logs to this file")
	flag.Parse()

	if *version {
		fmt.Printf("letpctl version %s\n", Version)
		return 0
	}

	ctx := logging.AttachLogger(context.Background(), newLogger(*verbose, *logTime))
	if *logFile != "" {
		sink, err := logging.CreateFileSink(*logFile)
		if err != nil {
			logging.Info(ctx, "Failed to create log file: ", err)
			return 1
		}
		defer sink.Close()
		ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(logging.LevelDebug, true, sink))
	}
	installSignalHandler(ctx)

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
