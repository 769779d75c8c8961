// usbmuxd is the host daemon that brokers connections between local
// clients and services running on attached Apple devices.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"
	"github.com/google/uuid"

	"usbmuxd/internal/config"
	"usbmuxd/internal/daemon"
)

var (
	socketPath = flag.String("socket", "", "UNIX socket path (overrides USBMUXD_SOCKET_PATH)")
	adminAddr  = flag.String("admin-addr", "", "admin HTTP listen address (overrides USBMUXD_ADMIN_ADDR)")
	verbose    = flag.Bool("verbose", false, "set LogVerbose in the daemon config (no component reads it; log output is unchanged)")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *verbose {
		cfg.LogVerbose = true
	}

	log.Printf("usbmuxd starting: socket=%s admin=%s vendor=0x%04x", cfg.SocketPath, cfg.AdminAddr, cfg.VendorID)

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	buid := uuid.NewString()
	d := daemon.New(cfg, usbCtx, buid)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("usbmuxd: shutting down...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("usbmuxd: fatal: %v", err)
	}
}
