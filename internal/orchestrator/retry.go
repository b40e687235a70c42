package orchestrator

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/stage"
)

// runStage executes a model-backed stage under the retry policy:
// transient failures retry with bounded exponential backoff, malformed
// responses retry with reduced context, fatal configuration errors
// propagate immediately. A stage-level timeout backstops the whole run.
func (o *Orchestrator) runStage(ctx context.Context, st stage.Stage, view model.CaseView, logger zerolog.Logger) (model.StageResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.budgets.StageTimeout)
	defer cancel()

	opts := stage.Options{}
	attempt := 0
	operation := func() (model.StageResult, error) {
		attempt++
		res, err := st.Run(stageCtx, view, opts)
		if err == nil {
			return res, nil
		}
		switch stage.KindOf(err) {
		case stage.KindFatal:
			return model.StageResult{}, backoff.Permanent(err)
		case stage.KindMalformed:
			logger.Warn().Err(err).Int("attempt", attempt).Str("stage", string(st.Kind())).
				Msg("malformed backend response, retrying with reduced context")
			opts.ReducedContext = true
			return model.StageResult{}, err
		default:
			logger.Warn().Err(err).Int("attempt", attempt).Str("stage", string(st.Kind())).
				Msg("transient backend failure, retrying")
			return model.StageResult{}, err
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.budgets.RetryBase

	return backoff.Retry(stageCtx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.budgets.RetryAttempts)),
	)
}
