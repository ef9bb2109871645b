// Package coordinator keeps one blob and one record consistent per logical
// entity. Creates follow a write-blob, write-record, compensate ordering;
// blob updates write a new revision and repoint the record before the old
// revision is removed; deletes mark the record DELETING before removing both
// halves. Whatever a crash leaves behind is found by Reconcile.
//
// The coordinator does not serialize concurrent writers of one entity.
// Callers that need single-writer semantics take an advisory lock keyed by
// entity id around Update and Delete.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

const (
	DefaultClass               = "Dataset"
	DefaultCallTimeout         = 30 * time.Second
	DefaultCompensationTimeout = 15 * time.Second
	DefaultStalenessWindow     = 15 * time.Minute
)

// Config holds coordinator settings. Zero values fall back to defaults.
type Config struct {
	// Bucket receives every blob written by the coordinator.
	Bucket string
	// Classes lists the record classes entities may live in. Lookups by
	// entity id search them in order.
	Classes      []string
	DefaultClass string

	PresignTTL          time.Duration
	CallTimeout         time.Duration
	CompensationTimeout time.Duration
	// StalenessWindow is how long a half-written entity is treated as an
	// in-flight operation before reconciliation repairs it.
	StalenessWindow time.Duration

	Logger *slog.Logger
}

// Coordinator orchestrates the blob and record adapters.
type Coordinator struct {
	blobs   blobstore.BlobStore
	records recordstore.RecordStore
	cfg     Config
	classes map[string]struct{}
	log     *slog.Logger
	now     func() time.Time
}

// New validates cfg and returns a Coordinator.
func New(blobs blobstore.BlobStore, records recordstore.RecordStore, cfg Config) (*Coordinator, error) {
	if blobs == nil || records == nil {
		return nil, fmt.Errorf("coordinator requires a blob store and a record store")
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("coordinator bucket is required")
	}
	if cfg.DefaultClass == "" {
		if len(cfg.Classes) > 0 {
			cfg.DefaultClass = cfg.Classes[0]
		} else {
			cfg.DefaultClass = DefaultClass
		}
	}
	classes := map[string]struct{}{}
	ordered := make([]string, 0, len(cfg.Classes)+1)
	for _, class := range append([]string{cfg.DefaultClass}, cfg.Classes...) {
		class = strings.TrimSpace(class)
		if err := models.ValidateClass(class); err != nil {
			return nil, err
		}
		if _, seen := classes[class]; seen {
			continue
		}
		classes[class] = struct{}{}
		ordered = append(ordered, class)
	}
	cfg.Classes = ordered

	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = blobstore.DefaultPresignTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultCompensationTimeout
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		blobs:   blobs,
		records: records,
		cfg:     cfg,
		classes: classes,
		log:     logger.With("component", "coordinator"),
		now:     time.Now,
	}, nil
}

// Classes returns the configured record classes, default first.
func (c *Coordinator) Classes() []string {
	out := make([]string, len(c.cfg.Classes))
	copy(out, c.cfg.Classes)
	return out
}

// DefaultClass returns the class used when a request names none.
func (c *Coordinator) DefaultClass() string {
	return c.cfg.DefaultClass
}

// Bucket returns the blob bucket entities are written to.
func (c *Coordinator) Bucket() string {
	return c.cfg.Bucket
}

// PresignTTL returns the lifetime of handles issued by reads.
func (c *Coordinator) PresignTTL() time.Duration {
	return c.cfg.PresignTTL
}

// ResolveClass maps an optional class name onto a configured class.
func (c *Coordinator) ResolveClass(class string) (string, error) {
	class = strings.TrimSpace(class)
	if class == "" {
		return c.cfg.DefaultClass, nil
	}
	if _, ok := c.classes[class]; !ok {
		return "", gwerr.Validation("unknown class %q", class)
	}
	return class, nil
}

// call bounds one adapter call by CallTimeout unless ctx already has an
// earlier deadline.
func (c *Coordinator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= c.cfg.CallTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// detached returns a context for compensation steps. It survives caller
// cancellation but is still bounded.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
}

func validateEntityID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", gwerr.Validation("entity id is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", gwerr.Validation("invalid entity id %q", id)
	}
	return parsed.String(), nil
}

func validateUserProperties(props map[string]any) error {
	for key := range props {
		if strings.TrimSpace(key) == "" {
			return gwerr.Validation("property name is required")
		}
		if models.IsReservedProperty(key) {
			return gwerr.Validation("property %q is reserved", key)
		}
	}
	return nil
}

func blobKeyFor(entityID string) string {
	return entityID + "/" + uuid.NewString()
}

func entityPrefix(entityID string) string {
	return entityID + "/"
}

// findRecord returns the record carrying entityID, searching the configured
// classes in order.
func (c *Coordinator) findRecord(ctx context.Context, entityID string) (models.Record, error) {
	return c.findRecordIn(ctx, entityID, c.cfg.Classes)
}

func (c *Coordinator) findRecordIn(ctx context.Context, entityID string, classes []string) (models.Record, error) {
	for _, class := range classes {
		callCtx, cancel := c.call(ctx)
		matches, err := c.records.QueryByProperty(callCtx, class, models.PropEntityID, entityID)
		cancel()
		if err != nil {
			return models.Record{}, gwerr.FromContext("record lookup", err)
		}
		if len(matches) > 0 {
			if len(matches) > 1 {
				c.log.Warn("multiple records share one entity id", "entity_id", entityID, "class", class, "count", len(matches))
			}
			return matches[0], nil
		}
	}
	return models.Record{}, gwerr.NotFound("entity %s", entityID)
}

// deleteBlobDetached removes ref on a detached context and reports whether it
// succeeded. Failures are logged and left for reconciliation.
func (c *Coordinator) deleteBlobDetached(ctx context.Context, ref models.BlobRef, reason string) bool {
	dctx, cancel := c.detached(ctx)
	defer cancel()
	if err := c.blobs.Delete(dctx, ref); err != nil {
		c.log.Warn("blob left for reconciliation", "blob", ref.String(), "reason", reason, "err", err)
		return false
	}
	return true
}

func copyProperties(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
