package provider

import (
	"context"
	"fmt"
	"time"

	"quel-fitting-server/modules/common/model"
)

// PollOptions - 폴링 한도와 콜백
type PollOptions struct {
	MaxAttempts int           // 총 폴링 횟수 (기본 60)
	Interval    time.Duration // 폴링 간격 (기본 2s)

	// OnProgress 는 pending 응답마다 0..100 진행률로 호출된다
	OnProgress func(percent int)
	// OnPoll 은 폴링 한 번이 끝날 때마다 호출된다 (메트릭용)
	OnPoll func(state State, err error)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 60
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	return o
}

// Budget - 폴링 전체의 대기 시간 (MaxAttempts * Interval)
func (o PollOptions) Budget() time.Duration {
	o = o.withDefaults()
	return time.Duration(o.MaxAttempts) * o.Interval
}

// Poll - ready/error 가 될 때까지 폴링한다.
//
// 폴링 사이에는 항상 Interval 만큼 쉰다. MaxAttempts 번 폴링해도 끝나지 않으면
// PollingTimeout 이다. 전송 오류는 상태 코드와 무관하게 한 번의 실패한 폴링으로
// 세고 다음 주기에 다시 시도한다. 즉시 끝나는 건 프로바이더의 Error 상태뿐이다.
// ctx 가 취소되면 ctx.Err() 를 그대로 돌려준다.
func (c *Client) Poll(ctx context.Context, ref Ref, opts PollOptions) (Result, error) {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		res, err := c.PollOnce(ctx, ref)
		if opts.OnPoll != nil {
			opts.OnPoll(res.State, err)
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			lastErr = err
			c.logger.Warn().Err(err).Str("provider_job", ref.ID).Int("attempt", attempt).Msg("provider: poll failed, retrying")

		case res.State == StateReady:
			c.logger.Debug().Str("provider_job", ref.ID).Int("attempt", attempt).Msg("provider: ready")
			return res, nil

		case res.State == StateError:
			jobErr := model.NewJobError(model.KindProvider, fmt.Errorf("provider job %s failed: %s", ref.ID, res.Message))
			jobErr.Message = res.Message
			return res, jobErr

		default:
			if opts.OnProgress != nil {
				opts.OnProgress(res.Progress)
			}
		}

		if attempt == opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, opts.Interval); err != nil {
			return Result{}, err
		}
	}
	return Result{}, pollingTimeout(ref, opts, lastErr)
}

func pollingTimeout(ref Ref, opts PollOptions, lastErr error) error {
	err := fmt.Errorf("provider job %s unresolved after %d polls (budget %s)", ref.ID, opts.MaxAttempts, opts.Budget())
	if lastErr != nil {
		err = fmt.Errorf("%w: last error: %w", err, lastErr)
	}
	return model.NewJobError(model.KindPollingTimeout, err)
}
