// Package fetchcache coordinates cached, retried data fetches for many independent
// callers. A Query drives one consumer's view of a logical resource: it serves a
// fresh cached value when one exists, otherwise calls the producer, retries failures
// with exponential backoff plus jitter, and exposes an observable Result.
//
// Components:
//   - Store: key -> Entry table with expiry timestamps. MemoryStore (in-process,
//     default) or ProviderStore (byte providers such as Ristretto, BigCache, Redis).
//   - RetryConfig: delay before the next retry attempt.
//   - Query[V]: per-consumer state machine (Idle -> Loading -> Success | Error).
//   - Scope: lifecycle guard; once canceled no Query state is written.
//   - Client: shared services (store, logger, hooks, clock) for many queries.
//
// Usage:
//
//	client := fetchcache.NewClient(fetchcache.ClientOptions{})
//	q, _ := fetchcache.New(ctx, client, loadUser, fetchcache.Options[User]{Key: "user:42"})
//	defer q.Close()
//	res, _ := q.Wait(ctx)
//
// Independent queries sharing a key do not share in-flight producer calls unless
// Options.Coalesce is set; the last completed write to the store wins.
package fetchcache
