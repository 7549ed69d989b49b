package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/etc-composites/internal/domain"
	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	maxAttempts = 4
	minBackoff  = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// messageWriter is the subset of *kafkago.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// TrackWriter publishes one summary message per kept track.
// It implements pipeline.TrackPublisher.
type TrackWriter struct {
	writer messageWriter
	logger *slog.Logger
}

// NewTrackWriter creates a producer for the given brokers and topic.
func NewTrackWriter(brokers []string, topic string, logger *slog.Logger) *TrackWriter {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &TrackWriter{writer: w, logger: logger}
}

// TrackSummary is the JSON value of a published track message.
type TrackSummary struct {
	RunID   string       `json:"run_id"`
	Year    int          `json:"year"`
	TrackID int64        `json:"track_id"`
	Points  int          `json:"points"`
	FirstJD int64        `json:"first_jd"`
	LastJD  int64        `json:"last_jd"`
	Flags   int          `json:"flags"`
	MinSLP  float64      `json:"min_slp_hpa"`
	Path    [][2]float64 `json:"path"`
}

// PublishTracks writes the tracks of one year in a single batch, retrying
// transient failures with exponential backoff.
func (w *TrackWriter) PublishTracks(ctx context.Context, runID string, year int, tracks []domain.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(tracks))
	for _, t := range tracks {
		msg, err := serializeTrack(runID, year, t)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	backoff := minBackoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = w.writer.WriteMessages(ctx, msgs...); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		w.logger.Warn("publish tracks failed, retrying",
			"year", year, "attempt", attempt, "backoff", backoff, "error", err)
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = sharedretry.NextBackoff(backoff, maxBackoff)
	}
	return fmt.Errorf("publish %d tracks for %d: %w", len(msgs), year, err)
}

func (w *TrackWriter) Close() error {
	return w.writer.Close()
}

func summarize(runID string, year int, t domain.Track) TrackSummary {
	s := TrackSummary{
		RunID:   runID,
		Year:    year,
		TrackID: t.ID,
		Points:  t.Len(),
		Flags:   int(t.Flags()),
		Path:    make([][2]float64, 0, t.Len()),
	}
	if t.Len() == 0 {
		return s
	}
	s.FirstJD = int64(t.First().JD)
	s.LastJD = int64(t.Last().JD)
	s.MinSLP = t.First().SLPhPa()
	for _, p := range t.Points {
		s.MinSLP = min(s.MinSLP, p.SLPhPa())
		s.Path = append(s.Path, [2]float64{p.Lat(), p.Lon()})
	}
	return s
}

// serializeTrack marshals a track into a Kafka message keyed by track id.
func serializeTrack(runID string, year int, t domain.Track) (kafkago.Message, error) {
	data, err := json.Marshal(summarize(runID, year, t))
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize track %d: %w", t.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(t.ID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "year", Value: []byte(strconv.Itoa(year))},
		},
	}, nil
}
