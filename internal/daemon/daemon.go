// Package daemon wires together the device registry, the hotplug poller,
// the client accept loop and the admin HTTP surface into one supervised
// process.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"

	"usbmuxd/internal/admin"
	"usbmuxd/internal/clientsession"
	"usbmuxd/internal/config"
	"usbmuxd/internal/hotplug"
	"usbmuxd/internal/pairing"
	"usbmuxd/internal/registry"
)

// Daemon owns the listener socket, the registry and the background
// goroutines that keep it current.
type Daemon struct {
	cfg      config.Config
	usbCtx   *gousb.Context
	reg      *registry.Registry
	pairing  *pairing.Store
	buid     string
	admin    *admin.Server
	listener net.Listener
}

// New builds a Daemon from cfg. It does not bind the socket or start any
// goroutine yet; call Run for that.
func New(cfg config.Config, usbCtx *gousb.Context, buid string) *Daemon {
	reg := registry.New()
	return &Daemon{
		cfg:     cfg,
		usbCtx:  usbCtx,
		reg:     reg,
		pairing: pairing.NewStore(pairing.DefaultDir),
		buid:    buid,
		admin:   admin.New(reg),
	}
}

// Run binds the UNIX socket and the admin HTTP listener, seeds the
// registry with currently attached devices, and serves until ctx is
// cancelled or a fatal error occurs in any supervised goroutine.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.bindSocket(); err != nil {
		return err
	}
	defer d.listener.Close()
	defer os.Remove(d.cfg.SocketPath)

	poller := hotplug.NewPoller(d.usbCtx, time.Duration(d.cfg.HotplugEvery)*time.Millisecond)
	seedEvents, err := poller.Seed(ctx)
	if err != nil {
		return fmt.Errorf("daemon: seed hotplug: %w", err)
	}
	d.reg.Seed(seedEvents)
	log.Printf("daemon: seeded %d attached device(s)", len(seedEvents))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		events := make(chan hotplug.Event, 16)
		innerG, innerCtx := errgroup.WithContext(gctx)
		innerG.Go(func() error { return poller.Run(innerCtx, events) })
		innerG.Go(func() error {
			for {
				select {
				case <-innerCtx.Done():
					return innerCtx.Err()
				case ev := <-events:
					d.reg.HandleEvent(ev)
				}
			}
		})
		return innerG.Wait()
	})

	g.Go(func() error {
		httpServer := &http.Server{Addr: d.cfg.AdminAddr, Handler: d.admin.Handler()}
		go func() {
			<-gctx.Done()
			httpServer.Close()
		}()
		log.Printf("daemon: admin HTTP listening on %s", d.cfg.AdminAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("daemon: admin http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return d.acceptLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		d.listener.Close()
		return nil
	})

	return g.Wait()
}

func (d *Daemon) bindSocket() error {
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0666); err != nil {
		l.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	d.listener = l
	log.Printf("daemon: listening on %s", d.cfg.SocketPath)
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	handler := &clientsession.Handler{Registry: d.reg, Pairing: d.pairing, BUID: d.buid}
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go func() {
			if err := handler.Serve(ctx, conn); err != nil {
				log.Printf("daemon: client session ended: %v", err)
			}
		}()
	}
}
