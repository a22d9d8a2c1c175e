// Package influx writes share and block time series to InfluxDB. Writes are
// asynchronous and best effort; the ledger in Redis stays authoritative.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/pkg/log"
)

// Client wraps the InfluxDB write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	logger   *log.Logger
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects to InfluxDB and checks its health
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := checkHealth(healthCtx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		logger:   logger.WithComponent("influx"),
		done:     make(chan struct{}),
	}
	go c.logErrors()
	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// logErrors drains the asynchronous write errors
func (c *Client) logErrors() {
	errs := c.writeAPI.Errors()
	for {
		select {
		case <-c.done:
			return
		case err := <-errs:
			c.logger.WithError(err).Warn("influx write failed")
		}
	}
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ObserveShare writes a share point, plus a block point for candidates
func (c *Client) ObserveShare(_ context.Context, coin string, share *ledger.Share, shareValid, blockValid bool) {
	now := time.Now()
	c.writeAPI.WritePoint(SharePoint(coin, share, shareValid, now))
	if share.Hash != "" || blockValid {
		c.writeAPI.WritePoint(BlockPoint(coin, share, blockValid, now))
	}
}

// SharePoint builds the "shares" point of one submission
func SharePoint(coin string, share *ledger.Share, valid bool, at time.Time) *write.Point {
	tags := map[string]string{
		"coin":   coin,
		"worker": share.Worker,
		"port":   strconv.Itoa(share.Port),
		"valid":  strconv.FormatBool(valid),
	}
	fields := map[string]interface{}{
		"difficulty":       share.Difficulty,
		"share_difficulty": share.ShareDiff,
		"block_difficulty": share.BlockDiff,
		"height":           share.Height,
		"count":            1,
	}
	return write.NewPoint("shares", tags, fields, at)
}

// BlockPoint builds the "blocks" point of a block candidate
func BlockPoint(coin string, share *ledger.Share, accepted bool, at time.Time) *write.Point {
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	tags := map[string]string{
		"coin":   coin,
		"status": status,
		"worker": share.Worker,
	}
	fields := map[string]interface{}{
		"height":     share.Height,
		"hash":       share.Hash,
		"difficulty": share.BlockDiff,
		"reward":     share.Reward,
		"count":      1,
	}
	return write.NewPoint("blocks", tags, fields, at)
}
