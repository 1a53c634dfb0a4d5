// Command tunrelaydemo wires an Engine to an already-open TUN file
// descriptor passed in on fd 3, as an inetd-style helper would. Opening
// the device and configuring its routes is the host's job, not this
// engine's; a real deployment execs this binary with the TUN fd
// inherited, e.g. via os/exec's ExtraFiles.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/userspace-net/tunrelay/engine"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("failed:", err)
	}
	fmt.Println("finished")
}

func run() error {
	const tunFD = 3
	slogger := slog.Default()

	cfg := engine.Config{
		MaxSessions:     4096,
		DNSRedirectFrom: netip.MustParseAddr("198.18.0.1"),
		DNSRedirectTo:   netip.MustParseAddr("1.1.1.1"),
		Logger:          slogger,
		Classifier:      allowAll,
	}

	e, err := engine.Init(tunFD, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := e.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		slogger.Info("signal received, stopping")
		e.Stop()
	}()

	if err := e.Run(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return e.Done()
}

// allowAll is a placeholder Classifier that admits every flow; a real
// deployment replaces this with per-UID/per-app policy.
func allowAll(packet []byte, dir engine.Direction) engine.Verdict {
	return engine.Verdict{Allow: true}
}
