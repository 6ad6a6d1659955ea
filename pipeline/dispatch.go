package pipeline

import (
	"context"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/dan-strohschein/sqlpipeline/logging"
)

const (
	// separator joins statements into one command.
	separator = "; "

	// sentinelStatement leads every batch of two or more statements. Its
	// reply tells a rejected batch apart from a failing statement.
	sentinelStatement = "SELECT 1"
	sentinelValue     = "1"
)

// lastUsableID is the largest id generateID hands out.
var lastUsableID = endID - 1

func (p *Pipeline) generateID() (QueryID, error) {
	if p.lastID >= lastUsableID {
		return 0, errIDOverflow()
	}
	p.lastID++
	return p.lastID, nil
}

// issue sends every waiting statement as one command. The caller makes sure
// nothing is pending and something is waiting.
func (p *Pipeline) issue(ctx context.Context) error {
	// Consume the end of the previous command's reply stream.
	if _, err := p.obtainResult(ctx, false); err != nil {
		return err
	}
	if p.errorAt != endID {
		return nil
	}
	if err := p.attach("issue"); err != nil {
		return err
	}

	oldest := p.second
	batch := p.queries.span(oldest, endID)
	if len(batch) == 0 {
		return nil
	}

	texts := make([]string, 0, len(batch)+1)
	prependSentinel := len(batch) > 1
	if prependSentinel {
		texts = append(texts, sentinelStatement)
	}
	for _, q := range batch {
		texts = append(texts, q.text)
	}
	command := strings.Join(texts, separator)

	if err := p.sess.StartExec(ctx, command); err != nil {
		return errBrokenConnection("issue", err)
	}

	p.dummyPending = prependSentinel
	p.first = oldest
	p.second = endID
	p.waiting -= len(batch)
	for _, q := range batch {
		q.status = statusIssued
	}

	p.metrics.batchesIssued.Inc()
	p.metrics.statementsIssued.Add(float64(len(batch)))
	p.metrics.batchSize.Observe(float64(len(batch)))

	fields := []logging.Field{
		logging.Uint64("first_id", uint64(oldest)),
		logging.Int("statements", len(batch)),
		logging.Bool("sentinel", prependSentinel),
		logging.Uint64("batch_hash", xxhash.Sum64String(command)),
	}
	if p.debug {
		fields = append(fields, logging.String("command", command))
	}
	p.logger.Debug("batch issued", fields...)
	return nil
}
