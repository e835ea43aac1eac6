// Package launcher boots a pod: it prepares ComfyUI's environment, starts
// ComfyUI in the background and runs the sidecar in the foreground until the
// context is cancelled.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/livepeer/comfy-pod/comfy"
	"github.com/livepeer/comfy-pod/config"
	"github.com/livepeer/comfy-pod/sidecar"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	// comfyStopDelay is how long ComfyUI gets after SIGTERM before it is killed.
	comfyStopDelay = 15 * time.Second
)

type Launcher struct {
	cfg *config.Config

	stdout io.Writer
	stderr io.Writer

	tcmallocPatterns []string
	// runSidecar runs the foreground service; replaced in tests.
	runSidecar func(ctx context.Context) error
}

func New(cfg *config.Config) *Launcher {
	l := &Launcher{
		cfg:              cfg,
		stdout:           os.Stdout,
		stderr:           os.Stderr,
		tcmallocPatterns: tcmallocPatterns,
	}
	l.runSidecar = func(ctx context.Context) error {
		return ServeSidecar(ctx, cfg)
	}
	return l
}

// Run starts ComfyUI and the sidecar and blocks until ctx is cancelled or the
// sidecar fails. ComfyUI exiting on its own does not stop the sidecar.
func (l *Launcher) Run(ctx context.Context) error {
	if err := writeExtraModelPaths(l.cfg); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	cmd := l.comfyCommand(ctx)
	slog.Info("Starting ComfyUI",
		slog.String("dir", cmd.Dir),
		slog.String("listen", l.cfg.Comfy.ListenAddr),
		slog.Int("port", l.cfg.Comfy.Port))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ComfyUI: %w", err)
	}

	g.Go(func() error {
		err := cmd.Wait()
		if ctx.Err() != nil {
			slog.Info("ComfyUI stopped")
			return nil
		}
		if err != nil {
			slog.Error("ComfyUI exited", slog.String("error", err.Error()))
		} else {
			slog.Warn("ComfyUI exited")
		}
		return nil
	})

	g.Go(func() error {
		return l.runSidecar(ctx)
	})

	return g.Wait()
}

func (l *Launcher) comfyCommand(ctx context.Context) *exec.Cmd {
	tcmalloc := findTCMalloc(l.tcmallocPatterns)
	if tcmalloc != "" {
		slog.Info("Using tcmalloc", slog.String("path", tcmalloc))
	}

	cmd := exec.CommandContext(ctx, l.cfg.Comfy.Python, comfyArgs(l.cfg)...)
	cmd.Dir = l.cfg.Comfy.Dir
	cmd.Env = comfyEnv(os.Environ(), l.cfg, tcmalloc)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = comfyStopDelay
	return cmd
}

// ServeSidecar runs the sidecar HTTP service until ctx is cancelled, then
// waits for in-flight jobs.
func ServeSidecar(ctx context.Context, cfg *config.Config) error {
	srv, err := sidecar.NewServer(sidecar.Config{
		PodID:            cfg.PodID,
		APIKey:           cfg.Sidecar.APIKey,
		ComfyDir:         cfg.Comfy.Dir,
		ReadyCallbackURL: cfg.ReadyCallbackURL,
		ReadyMaxRetries:  cfg.Comfy.ReadyMaxRetries,
		ReadyInterval:    cfg.Comfy.ReadyInterval(),
		Reconnect: comfy.ReconnectOptions{
			Attempts: cfg.Websocket.ReconnectAttempts,
			Delay:    cfg.Websocket.ReconnectDelay(),
		},
		OrgAPIKey: cfg.Comfy.OrgAPIKey,
	}, comfy.NewClient(cfg.Comfy.Addr()))
	if err != nil {
		return fmt.Errorf("creating sidecar: %w", err)
	}

	srv.Start(ctx)
	err = Serve(ctx, net.JoinHostPort("", strconv.Itoa(cfg.Sidecar.Port)), srv.Handler())
	srv.Wait()
	return err
}

// Serve runs an HTTP server on addr until ctx is cancelled and shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return serve(ctx, ln, handler)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	slog.Info("Listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", ln.Addr(), err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
