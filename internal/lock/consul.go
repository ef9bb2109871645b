package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"dsgate/internal/gwerr"
)

// ConsulConfig contains configuration options for the Consul locker.
type ConsulConfig struct {
	// Address of the Consul agent (default: "127.0.0.1:8500")
	Address string
	// Token for Consul ACL authentication (optional)
	Token string
	// KeyPrefix is prepended to every lock key (default: "dsgate/locks/")
	KeyPrefix string
	// SessionTTL bounds how long a lock outlives a crashed holder.
	SessionTTL time.Duration

	Logger *slog.Logger
}

// ConsulLocker holds locks as Consul KV sessions, shared by every gateway
// pointed at the same cluster.
type ConsulLocker struct {
	client *api.Client
	cfg    ConsulConfig
	log    *slog.Logger
}

// NewConsulLocker creates a Consul client for cfg.
func NewConsulLocker(cfg ConsulConfig) (*ConsulLocker, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8500"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dsgate/locks/"
	}
	if !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Second
	}

	clientConfig := api.DefaultConfig()
	clientConfig.Address = cfg.Address
	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}
	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsulLocker{client: client, cfg: cfg, log: logger.With("component", "lock")}, nil
}

func (c *ConsulLocker) key(key string) string {
	return c.cfg.KeyPrefix + strings.TrimPrefix(key, "/")
}

func (c *ConsulLocker) Lock(ctx context.Context, key string) (Release, error) {
	lk, err := c.client.LockOpts(&api.LockOptions{
		Key:         c.key(key),
		SessionTTL:  c.cfg.SessionTTL.String(),
		SessionName: "dsgate entity lock",
	})
	if err != nil {
		return nil, gwerr.Unavailable("lock "+key, err)
	}

	lost, err := lk.Lock(ctx.Done())
	if err != nil {
		return nil, gwerr.Unavailable("lock "+key, err)
	}
	if lost == nil {
		return nil, gwerr.Unavailable("lock "+key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := lk.Unlock(); err != nil {
				c.log.Warn("consul unlock failed", "key", key, "err", err)
				return
			}
			// Destroy fails while another holder waits on the key; that is expected.
			_ = lk.Destroy()
		})
	}, nil
}

var _ Locker = (*ConsulLocker)(nil)
