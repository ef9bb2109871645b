package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"dsgate/internal/api"
	"dsgate/internal/config"
)

const (
	pingTimeout      = 500 * time.Millisecond
	autostartTimeout = 5 * time.Second
	autostartPoll    = 100 * time.Millisecond
)

// withClient runs fn against the configured gateway, starting a local one
// for the duration of the call when nothing answers at api_url.
func withClient(cfg *config.Config, fn func(*api.Client) error) error {
	client := api.NewClient(cfg.APIURL)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	pingErr := client.Ping(ctx)
	cancel()
	if pingErr == nil {
		return fn(client)
	}
	if !canAutostart(cfg) || !isConnRefused(pingErr) {
		return pingErr
	}

	local, err := startLocalGateway(cfg)
	if err != nil {
		return err
	}
	defer local.stop()

	if err := local.waitReady(client); err != nil {
		return err
	}
	return fn(client)
}

// canAutostart is false for in-memory backends: their data would vanish
// with the short-lived process.
func canAutostart(cfg *config.Config) bool {
	return cfg.Blob.Backend != config.BlobBackendMemory && cfg.Record.Backend != config.RecordBackendMemory
}

type localGateway struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func startLocalGateway(cfg *config.Config) (*localGateway, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, "srv")
	cmd.Env = append(os.Environ(),
		"DSGATE_API_URL="+cfg.APIURL,
		"DSGATE_RECORD_DSN="+cfg.Record.DSN,
		"DSGATE_BLOB_ROOT="+cfg.Blob.Root,
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local gateway: %w", err)
	}

	g := &localGateway{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(g.exited)
	}()
	return g, nil
}

func (g *localGateway) waitReady(client *api.Client) error {
	ticker := time.NewTicker(autostartPoll)
	defer ticker.Stop()
	deadline := time.After(autostartTimeout)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*autostartPoll)
		err := client.Ping(ctx)
		cancel()
		switch {
		case err == nil:
			return nil
		case !isConnRefused(err):
			// Something else owns the port.
			return err
		}

		select {
		case <-g.exited:
			return errors.New("local gateway exited during startup; run dsgate srv to see why")
		case <-deadline:
			return errors.New("local gateway did not start in time")
		case <-ticker.C:
		}
	}
}

func (g *localGateway) stop() {
	_ = g.cmd.Process.Signal(os.Interrupt)
	select {
	case <-g.exited:
	case <-time.After(autostartTimeout):
		_ = g.cmd.Process.Kill()
		<-g.exited
	}
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
