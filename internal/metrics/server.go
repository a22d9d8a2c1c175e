package metrics

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// Serve exposes g on addr under /metrics until ctx ends
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *log.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "metrics_listen", "cannot bind metrics address").
			WithContext("addr", addr)
	}
	return serve(ctx, ln, g, logger)
}

func serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithComponent("metrics").Info("metrics server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WorkerAddr derives the metrics address of a worker from the master's:
// worker forkID listens on the master's port plus forkID + 1.
func WorkerAddr(addr string, forkID int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "metrics_addr", "invalid metrics address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", errors.Newf(errors.ErrorTypeConfig, "metrics_addr", "metrics address %q needs a fixed port", addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+forkID+1)), nil
}
