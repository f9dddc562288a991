// Package tardis replays historical tick-level market data for a named
// venue between two instants as a lazy, time-ordered sequence of
// records, backed by a local (or S3-compatible) on-disk cache and a
// bounded-concurrency prefetch pipeline fetching from a tardis.dev-style
// remote service.
//
// A typical use:
//
//	client, err := tardis.New(ctx, tardis.Options{APIKey: "..."})
//	if err != nil {
//		// handle err
//	}
//
//	seq, err := client.Replay(ctx, "bitmex", from, to)
//	if err != nil {
//		// handle err
//	}
//	defer seq.Close()
//
//	for {
//		rec, ok, err := seq.Next(ctx)
//		if err != nil {
//			// handle err
//		}
//		if !ok {
//			break
//		}
//		// use rec
//	}
package tardis
