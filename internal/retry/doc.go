// Package retry provides exponential backoff with jitter for the polling
// discovery channels.
//
// A Backoff value computes the wait before each retry; Do runs an
// operation until it succeeds, the attempts are exhausted or the context
// ends:
//
//	b := retry.Backoff{Initial: time.Second, Max: time.Minute}
//	err := retry.Do(ctx, b, 5, func(ctx context.Context) error {
//	    return fetch(ctx)
//	}, nil)
package retry
