package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/config"
	"github.com/openmined/syftvolume/internal/syncd"
	"github.com/openmined/syftvolume/internal/utils"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/openmined/syftvolume/internal/volume"
	"github.com/openmined/syftvolume/internal/wire"
)

// openStore builds the blob backend named by the config.
var openStore = func(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		slog.Warn("memory backend: contents are lost when the process exits")
		return blob.NewMemoryStore(), nil
	default:
		slog.Debug("s3 backend", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint, "accessKey", utils.MaskSecret(cfg.S3.AccessKey))
		return blob.NewS3Store(ctx, cfg.S3Store())
	}
}

func (a *app) volumeOptions() volume.Options {
	return volume.Options{
		ContainerID:   a.cfg.ContainerID,
		QueryTimeout:  a.cfg.Query.Timeout,
		QueryAdvisory: a.cfg.Query.Advisory,
		Watchdog: volume.WatchdogPolicy{
			Timeouts: a.cfg.Watchdog.Timeouts,
			Backoffs: a.cfg.Watchdog.Backoffs,
		},
	}
}

// startDaemon starts the coordinator of the configured container. Only one
// process can hold a container, so one-shot commands fail with
// E_CONTAINER_UNAVAILABLE while a daemon runs.
func (a *app) startDaemon(ctx context.Context, watch bool) (*syncd.Daemon, error) {
	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return nil, volerr.Wrap(volerr.KindContainerUnavailable, "open", a.cfg.ContainerID, err)
	}
	d, err := syncd.New(syncd.Config{
		ContainerID:     a.cfg.ContainerID,
		Root:            a.cfg.RootDir,
		Store:           store,
		RefreshInterval: a.cfg.Index.RefreshInterval,
		Workers:         a.cfg.Transfer.Workers,
		Watch:           watch,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, volerr.Wrap("", "start", a.cfg.ContainerID, err)
	}
	return d, nil
}

// withVolume runs fn against a volume backed by a short lived coordinator.
func (a *app) withVolume(ctx context.Context, opts func(*volume.Options), fn func(v *volume.Volume) error) error {
	d, err := a.startDaemon(ctx, false)
	if err != nil {
		return err
	}
	defer d.Stop()

	o := a.volumeOptions()
	if opts != nil {
		opts(&o)
	}
	v, err := volume.New(d, o)
	if err != nil {
		return err
	}
	defer v.Close()

	return fn(v)
}

// follow prints the events of op until its terminal one and returns the
// operation's error.
func (a *app) follow(ctx context.Context, out io.Writer, op *volume.TransferOperation) error {
	for ev := range op.Events() {
		if a.jsonOut {
			data, err := wire.EncodeEvent(ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\n", data)
			continue
		}
		switch ev.Kind {
		case volume.EventProgress:
			fmt.Fprintf(out, "%s %s %5.1f%%\n", cyan(string(op.Direction)), op.Path, ev.Percent)
		case volume.EventDone:
			fmt.Fprintf(out, "%s %s\n", green("done"), op.Path)
		}
	}
	return op.Wait(ctx)
}

func exitCode(err error) int {
	var ve *volerr.Error
	if !errors.As(err, &ve) {
		return 1
	}
	switch ve.Kind {
	case volerr.KindNotFound:
		return 3
	case volerr.KindConflict:
		return 4
	case volerr.KindTimeout:
		return 5
	case volerr.KindContainerUnavailable:
		return 6
	case volerr.KindInvalidArgument:
		return 2
	case volerr.KindCanceled:
		return 130
	}
	return 1
}
