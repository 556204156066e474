package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hwgprojects/schlopping/internal/httplog"
	"github.com/hwgprojects/schlopping/internal/logging"
	"github.com/hwgprojects/schlopping/internal/signaling"
)

const (
	defaultAddr = ":8081"
	envAddr     = "LISTEN_ADDR"
	envRedis    = "REDIS_ADDR"
)

type options struct {
	Addr      string
	RedisAddr string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "schlopping-signal",
		Short: "Signaling server for schlopping peers",
		Long: `Relays room announcements between peers so they can find each other.

With a Redis address, several instances share rooms through Redis
pub/sub; without one the server is standalone.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", envOr(envAddr, defaultAddr), "listen address (env "+envAddr+")")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", os.Getenv(envRedis), "redis address for multi-instance fan-out (env "+envRedis+")")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newRouter serves the signaling websocket on /ws and, for clients that
// dial the bare host, on /.
func newRouter(hub *signaling.Hub, ready func(context.Context) error, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(httplog.Middleware(log))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/ws", hub)
	r.Handle("/", hub)
	return r
}

func serve(opts *options) error {
	log := logging.New("schlopping-signal")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var relay signaling.Relay
	var ready func(context.Context) error
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info().Str("addr", opts.RedisAddr).Msg("connected to redis")
		relay = signaling.NewRedisRelay(rdb, log)
		ready = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	hub := signaling.NewHub(relay, log)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           newRouter(hub, ready, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", opts.Addr).Msg("signaling server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen failed")
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info().Stringer("sig", sig).Msg("signal caught")
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	wg.Wait()
	return nil
}
