// Stevedore is a self-contained container image registry: the distribution
// data plane, a control-plane API, pull-through proxy caches and a background
// worker fleet in one binary.
// Some parts of code in this project borrow from Umputun projects https://github.com/umputun

package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/go-pkgz/lgr"
)

// revision is the build identifier, set with -ldflags "-X main.revision=..."
var revision = "unknown"

// opts holds the parsed configuration, shared with run()
var opts *Options

func main() {
	log.Printf("stevedore registry, revision %s", revision)

	var err error
	if opts, err = parseArgs(); err != nil {
		log.Printf("failed to parse config err: %v", err)
		os.Exit(2)
	}
	setupLog(opts.Debug)
	dumpOnSigQuit()

	if err = run(); err != nil {
		log.Fatalf("failed to run server: %v", err)
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}

// dumpOnSigQuit prints the stack of every goroutine on SIGQUIT, the process
// keeps running.
func dumpOnSigQuit() {
	sigChan := make(chan os.Signal, 1)
	go func() {
		for range sigChan {
			log.Printf("[INFO] SIGQUIT detected, dump:\n%s", getDump())
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT)
}

// getDump collects the stacks of all goroutines, capped at 5MB.
func getDump() string {
	maxSize := 5 * 1024 * 1024
	stacktrace := make([]byte, maxSize)
	length := runtime.Stack(stacktrace, true)
	if length > maxSize {
		length = maxSize
	}
	return string(stacktrace[:length])
}
