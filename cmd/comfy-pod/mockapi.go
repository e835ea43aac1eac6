package main

import (
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/livepeer/comfy-pod/launcher"
	"github.com/livepeer/comfy-pod/podapi"
	"github.com/spf13/cobra"
)

func newMockAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mock-api",
		Short: "Serve a local mock of the pod API backed by Docker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := podapi.NewDockerRuntime(podapi.DockerRuntimeConfig{
				SidecarPort: strconv.Itoa(cfg.Sidecar.Port),
				ModelsPath:  cfg.ModelsPath,
			})
			if err != nil {
				return fmt.Errorf("connecting to docker: %w", err)
			}

			srv := podapi.NewServer(podapi.Config{
				APIKey:       cfg.Mock.APIKey,
				DefaultImage: cfg.Mock.Image,
				SidecarPort:  cfg.Sidecar.Port,
			}, rt)

			slog.Info("Mock pod API",
				slog.String("image", cfg.Mock.Image),
				slog.String("modelsPath", cfg.ModelsPath))
			err = launcher.Serve(ctx, net.JoinHostPort("", strconv.Itoa(cfg.Mock.APIPort)), srv.Handler())
			srv.Wait()
			return err
		},
	}
}
