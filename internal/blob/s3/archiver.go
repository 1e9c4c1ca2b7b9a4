package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/at6132/com/internal/domain"
)

// EventArchiveStore is the narrow read surface the archiver needs: only the
// time-ranged journal query, not the full event store.
type EventArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error)
}

// Archiver ships closed days of the event journal to cold storage as JSONL,
// one object per day. Uploads are idempotent: a day whose object already
// exists is skipped, so the archiver can run on every start without
// re-shipping history. Deleting archived rows from the primary store is a
// separate, explicit step performed only after the upload is verified.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	events   EventArchiveStore
	interval time.Duration
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. interval controls how often Run re-scans
// for archivable days.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, events EventArchiveStore, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		writer:   writer,
		reader:   reader,
		events:   events,
		interval: interval,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on start and then on every interval tick until ctx cancels.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.ArchiveEvents(ctx, startOfDay(time.Now().UTC())); err != nil {
			a.logger.Warn("event archive pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveEvents uploads all journal events that occurred strictly before the
// cutoff, grouped into one JSONL object per UTC day. It returns the number
// of events shipped.
func (a *Archiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	byDay := make(map[string][]domain.Event)
	for _, ev := range events {
		day := ev.OccurredAt.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], ev)
	}

	var shipped int64
	for day, batch := range byDay {
		path := fmt.Sprintf("archive/events/%s.jsonl", day)

		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return shipped, fmt.Errorf("s3blob: archive events check %s: %w", path, err)
		}
		if exists {
			continue
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return shipped, fmt.Errorf("s3blob: archive events marshal %s: %w", day, err)
		}

		if int64(len(buf)) > minPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return shipped, fmt.Errorf("s3blob: archive events upload %s: %w", path, err)
		}

		shipped += int64(len(batch))
		a.logger.Info("event day archived",
			slog.String("path", path),
			slog.Int("events", len(batch)),
		)
	}
	return shipped, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
