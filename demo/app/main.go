// Command app is a demo upstream for the header mutation gateway. Its HTTP
// side echoes request headers as JSON; its optional gRPC side serves the
// standard health service with header rules applied by interceptors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/klyr/mutator/internal/filter"
	"github.com/klyr/mutator/internal/grpchost"
	"github.com/klyr/mutator/internal/logging"
)

type echoResponse struct {
	Method  string            `json:"method"`
	Host    string            `json:"host"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

func main() {
	var httpListen, grpcListen, filterPath string

	cmd := &cobra.Command{
		Use:          "demo-app",
		Short:        "Demo upstream that echoes request headers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Service: "demo-app"})
			if err != nil {
				return err
			}
			return run(cmd.Context(), logger, httpListen, grpcListen, filterPath)
		},
	}
	cmd.Flags().StringVar(&httpListen, "listen", ":9000", "HTTP listen address")
	cmd.Flags().StringVar(&grpcListen, "grpc-listen", "", "gRPC listen address (disabled when empty)")
	cmd.Flags().StringVar(&filterPath, "filter", "", "Header rules applied to gRPC calls")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, httpListen, grpcListen, filterPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              httpListen,
		Handler:           echoHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str(logging.FieldListen, httpListen).Msg("demo app listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if grpcListen != "" {
		var err error
		grpcSrv, err = newGRPCServer(filterPath, logger)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", grpcListen)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info().Str(logging.FieldListen, grpcListen).Msg("demo gRPC health service listening")
			return grpcSrv.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func echoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		resp := echoResponse{
			Method:  r.Method,
			Host:    r.Host,
			Path:    r.URL.RequestURI(),
			Headers: make(map[string]string, len(r.Header)),
		}
		names := make([]string, 0, len(r.Header))
		for name := range r.Header {
			resp.Headers[strings.ToLower(name)] = strings.Join(r.Header.Values(name), ", ")
			names = append(names, strings.ToLower(name))
		}
		sort.Strings(names)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Demo-Upstream", "app")
		w.Header().Set("X-Demo-Header-Names", strings.Join(names, ","))
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newGRPCServer(filterPath string, logger zerolog.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if filterPath != "" {
		data, err := os.ReadFile(filterPath)
		if err != nil {
			return nil, fmt.Errorf("read filter: %w", err)
		}
		cfg, err := filter.Parse(data, filter.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		interceptor := grpchost.New(grpchost.Static(cfg), grpchost.WithLogger(logger))
		opts = append(opts,
			grpc.UnaryInterceptor(interceptor.Unary()),
			grpc.StreamInterceptor(interceptor.Stream()),
		)
	}

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, health.NewServer())
	return srv, nil
}
