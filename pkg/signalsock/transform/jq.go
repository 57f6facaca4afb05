package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/signalsock/pkg/signalsock"
	"go.uber.org/zap"
)

// JqTransform compiles a jq query and returns a transform that applies it to
// envelope data. The event name is available to the query as $event.
//
//	JqTransform(".temperature", logger)
//	JqTransform("{reading: ., source: $event}", logger)
//	JqTransform("select(.level != \"debug\")", logger)
//
// A query that produces no results drops the envelope; several results are
// collected into an array. Runtime errors are logged (when logger is non-nil)
// and the envelope passes through unchanged.
func JqTransform(jqQuery string, logger *zap.Logger) (EnvelopeTransformFunc, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$event"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		var input any
		if err := env.Decode(&input); err != nil {
			logger.Error("JQ transform: failed to decode envelope data",
				zap.String("jq_query", jqQuery),
				zap.String("event", env.Event),
				zap.Error(err))
			return env, true
		}

		iter := code.RunWithContext(context.Background(), input, env.Event)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("JQ transform: JQ execution error",
					zap.String("jq_query", jqQuery),
					zap.String("event", env.Event),
					zap.Error(execErr))
				return env, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		var output any = results
		if len(results) == 1 {
			output = results[0]
		}

		data, err := json.Marshal(output)
		if err != nil {
			logger.Error("JQ transform: failed to encode result",
				zap.String("jq_query", jqQuery),
				zap.String("event", env.Event),
				zap.Error(err))
			return env, true
		}

		return &signalsock.Envelope{Event: env.Event, Data: data}, true
	}, nil
}
