// Command grade grades a single submission archive and prints the outcome as
// JSON. It uses the same configuration as the API server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/itstheanurag/autograder/internal/config"
	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/itstheanurag/autograder/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	var req grader.Request
	flag.StringVar(&req.ArchivePath, "archive", "", "path to the submission .zip")
	flag.StringVar(&req.StudentID, "student", "", "student id")
	flag.StringVar(&req.AssignmentID, "assignment", "", "assignment id")
	flag.StringVar(&req.DataDir, "data", "", "shared read-only data directory (default from SANDBOX_DATA_DIR)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if req.ArchivePath == "" || req.StudentID == "" || req.AssignmentID == "" {
		flag.Usage()
		os.Exit(2)
	}

	conf, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	comps, err := server.NewComponents(conf, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer comps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := comps.Grader.Grade(ctx, req)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if !out.Success {
		comps.Close()
		os.Exit(1)
	}
}
