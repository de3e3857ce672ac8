// Package influx forwards a scheme element's influx_query to the
// external time-series store and returns the raw CSV response, for
// GET /schemes/{scheme_id}/influx/{svg_id}.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/protei/datagate/pkg/config"
	"github.com/protei/datagate/pkg/dataerr"
)

// Client wraps the configured InfluxDB connection settings. One Client
// is shared across requests; QueryCSV creates an SDK client for each
// call and closes it when the call returns.
type Client struct {
	url    string
	token  string
	org    string
	bucket string
}

func New(cfg config.InfluxConfig) *Client {
	return &Client{url: cfg.URL, token: cfg.Token, org: cfg.Org, bucket: cfg.Bucket}
}

// QueryCSV runs "from(bucket: ...) |> range(start: limit) <query>" and
// returns the raw CSV body the store streams back. query is the
// element's influx_query fragment; limit is a Flux range expression
// such as "-1h".
func (c *Client) QueryCSV(ctx context.Context, query, limit string) (string, error) {
	client := influxdb2.NewClient(c.url, c.token)
	defer client.Close()

	health, err := client.Health(ctx)
	if err != nil {
		return "", dataerr.Wrap(dataerr.Protocol, "influxdb client error", err)
	}
	if health.Status != "pass" {
		msg := "influxdb is unhealthy"
		if health.Message != nil {
			msg = *health.Message
		}
		return "", dataerr.New(dataerr.Protocol, "influxdb client error: "+msg)
	}

	flux := fmt.Sprintf("from(bucket: %q) |> range(start: %s) %s", c.bucket, limit, query)
	raw, err := client.QueryAPI(c.org).QueryRaw(ctx, flux, influxdb2.DefaultDialect())
	if err != nil {
		return "", dataerr.Wrap(dataerr.Protocol, "influxdb client error", err)
	}
	return raw, nil
}
