package translate

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/databiosphere/import-service/jsonrs"
)

// progressInterval is how often a long-running translation logs a heartbeat.
const progressInterval = 30 * time.Second

// WriteEntityArray drains the iterator into w as a single JSON array, one
// encoded entity at a time. Memory stays O(one entity) regardless of source
// size. Returns the number of entities written.
func WriteEntityArray(ctx context.Context, w io.Writer, it EntityIterator, log logger.Logger) (int, error) {
	if _, err := w.Write([]byte("[")); err != nil {
		return 0, fmt.Errorf("writing array open: %w", err)
	}

	count := 0
	lastProgress := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		entity, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading entity %d: %w", count, err)
		}

		chunk, err := jsonrs.Marshal(entity)
		if err != nil {
			return count, fmt.Errorf("encoding entity %d: %w", count, err)
		}
		if count > 0 {
			if _, err := w.Write([]byte(",")); err != nil {
				return count, fmt.Errorf("writing separator: %w", err)
			}
		}
		if _, err := w.Write(chunk); err != nil {
			return count, fmt.Errorf("writing entity %d: %w", count, err)
		}
		count++

		if time.Since(lastProgress) >= progressInterval {
			log.Infof("translation in progress, %d entities written", count)
			lastProgress = time.Now()
		}
	}

	if _, err := w.Write([]byte("]")); err != nil {
		return count, fmt.Errorf("writing array close: %w", err)
	}
	return count, nil
}
