package emitter

import (
	"context"
	"fmt"

	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/telemetry"
)

// New builds the catalog emitter selected by cfg.Type, followed by any
// configured mirrors.
func New(ctx context.Context, cfg config.CatalogConfig, logger *telemetry.Logger) (Emitter, error) {
	primary, err := open(ctx, cfg.Type, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Mirror) == 0 {
		return primary, nil
	}

	targets := []Emitter{primary}
	for _, typ := range cfg.Mirror {
		mirror, err := open(ctx, typ, cfg, logger)
		if err != nil {
			_ = NewMultiEmitter(targets...).Close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		targets = append(targets, mirror)
	}
	return NewMultiEmitter(targets...), nil
}

func open(ctx context.Context, typ string, cfg config.CatalogConfig, logger *telemetry.Logger) (Emitter, error) {
	switch typ {
	case "log":
		return NewLogEmitter(logger), nil
	case "bolt":
		return NewBoltEmitter(cfg.Path, logger)
	case "s3":
		return NewS3EmitterFromRegion(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown catalog type %q", typ)
	}
}
