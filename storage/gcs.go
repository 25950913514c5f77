package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsBackend stores objects in a Cloud Storage bucket.
type gcsBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func (g *gcsBackend) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

func (g *gcsBackend) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var gen int64
	var missing bool
	err := g.do(ctx, "read", key, func() error {
		r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				missing = true
				return retry.Unrecoverable(ErrNotExist)
			}
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				g.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		gen = r.Attrs.Generation
		return nil
	})
	if missing {
		return nil, 0, ErrNotExist
	}
	if err != nil {
		return nil, 0, err
	}
	return data, gen, nil
}

// put writes data through obj and reports errPrecondition when obj's conditions fail.
func (g *gcsBackend) put(ctx context.Context, op string, obj *storage.ObjectHandle, data []byte) error {
	var conflict bool
	err := g.do(ctx, op, obj.ObjectName(), func() error {
		w := obj.NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				g.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", err)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				conflict = true
				return retry.Unrecoverable(err)
			}
			return fmt.Errorf("close storage writer: %w", err)
		}
		return nil
	})
	if conflict {
		return errPrecondition
	}
	return err
}

func (g *gcsBackend) write(ctx context.Context, key string, data []byte) error {
	return g.put(ctx, "write", g.client.Bucket(g.bucket).Object(key), data)
}

func (g *gcsBackend) create(ctx context.Context, key string, data []byte) error {
	obj := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	if err := g.put(ctx, "create", obj, data); err != nil {
		if errors.Is(err, errPrecondition) {
			return errExists
		}
		return err
	}
	return nil
}

func (g *gcsBackend) replace(ctx context.Context, key string, data []byte, generation int64) error {
	obj := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{GenerationMatch: generation})
	return g.put(ctx, "replace", obj, data)
}

func (g *gcsBackend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *gcsBackend) remove(ctx context.Context, key string) error {
	return g.do(ctx, "delete", key, func() error {
		if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
			// Deletion is idempotent.
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		}
		return nil
	})
}

func (g *gcsBackend) ping(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}
	return nil
}
