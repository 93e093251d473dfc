// Package mindcache is the composition root for MindCache, a short-term
// memory store for language-model applications.
//
// A Store holds named keys. Each key carries a typed value (text, json,
// image, file or a collaboratively edited document) and attributes whose
// system tags decide what a model may see and change:
//
//   - SystemPrompt and LLMRead keys appear in the generated system prompt.
//   - LLMWrite keys get a write_<key> tool the model can call.
//   - Protected keys cannot be deleted and their tags only change by an
//     explicit admin operation.
//   - ApplyTemplate values expand {{key}} placeholders when read.
//
// Stores are local by default. A Server hosts authoritative instances and
// a Client keeps a replica in sync over a websocket, queueing writes while
// offline and merging document edits without conflicts.
//
// Usage:
//
//	store := mindcache.NewStore()
//	_ = store.Set("name", mindcache.TextValue("Ada"), core.WithSystemTags(mindcache.LLMRead))
//	prompt := store.SystemPrompt()
//
//	// Serve instances from a config file
//	cfg, err := mindcache.LoadConfig("mindcache.yaml")
//	err = mindcache.Serve(ctx, cfg, mindcache.WithLogger(logger))
//
//	// Replicate an instance
//	c, err := mindcache.Connect(ctx, "ws://localhost:8787/ws", token)
//	err = c.WaitForSync(ctx)
package mindcache
