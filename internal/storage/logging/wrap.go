package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/shardxa/internal/correlation"
	"pkt.systems/shardxa/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/shardxa/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "shardxa.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("shardxa.storage.operation", op),
		attribute.String("shardxa.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if xid := correlation.ID(ctx); xid != "" {
		span.SetAttributes(attribute.String("shardxa.xid", xid))
		logger = logger.With("xid", xid)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("shardxa.storage.end", trace.WithAttributes(
			attribute.String("shardxa.storage.result", result),
			attribute.Int64("shardxa.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_objects")
	defer span.End()

	span.SetAttributes(
		attribute.String("shardxa.storage.prefix", opts.Prefix),
		attribute.Int("shardxa.storage.limit", opts.Limit),
	)
	verbose.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	span.SetAttributes(attribute.Int("shardxa.storage.objects", count))
	finish("ok", nil)
	verbose.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"objects", count,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_object")
	defer span.End()

	verbose.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag, size := "", int64(0)
	if info := result.Info; info != nil {
		etag, size = info.ETag, info.Size
	}
	span.SetAttributes(attribute.Int64("shardxa.storage.object_size", size))
	finish("ok", nil)
	verbose.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("shardxa.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("shardxa.storage.if_not_exists", opts.IfNotExists),
	)
	verbose.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag, size := "", int64(0)
	if info != nil {
		etag, size = info.ETag, info.Size
	}
	finish("ok", nil)
	verbose.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("shardxa.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("shardxa.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	verbose.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	if err := b.inner.DeleteObject(ctx, key, opts); err != nil {
		finish("error", err)
		verbose.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	if err := b.inner.Close(); err != nil {
		finish("error", err)
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
