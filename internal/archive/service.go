package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"md-gateway/internal/bus"
)

// Service tails a set of bus topic patterns into a Writer. One pump
// goroutine per pattern; all pumps feed the same writer.
type Service struct {
	sub    bus.Subscriber
	writer *Writer
	topics []string
}

// NewService builds a collector over the given topic patterns. Patterns may
// contain glob metacharacters; the bus subscriber picks pattern semantics.
func NewService(sub bus.Subscriber, writer *Writer, topics []string) *Service {
	return &Service{sub: sub, writer: writer, topics: topics}
}

// Run tails every configured pattern until ctx is cancelled, then flushes
// the writer. A failed subscription stops the whole service; per-record
// write errors are logged and skipped.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range s.topics {
		topic := topic // per-iteration copy; the go directive predates Go 1.22 loop scoping
		g.Go(func() error {
			return s.consume(ctx, topic)
		})
	}
	err := g.Wait()
	if flushErr := s.writer.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) consume(ctx context.Context, pattern string) error {
	msgs, err := s.sub.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("archive subscribe %s failed: %w", pattern, err)
	}
	log.Info().Str("pattern", pattern).Msg("Archiving channel")

	for payload := range msgs {
		if err := s.writer.Write(payload); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Archive record skipped")
		}
	}
	return ctx.Err()
}
