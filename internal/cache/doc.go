// Package cache provides the response cache stores used by the pipeline.
//
// Two stores are available, selected by the cache.type setting:
//
//   - memory: an in-process LRU cache. Entries are spread over
//     independently locked shards so requests for different keys do not
//     contend; the recency list is kept behind a single mutex.
//   - redis: a shared store backed by github.com/redis/go-redis, with an
//     optional TTL jitter.
//
// Setting cache.type to "none" disables caching. Keys are derived by Key
// from the rule's content key and the request inputs the rule varies on;
// values are encoded Entry documents.
//
// All stores are safe for concurrent use.
package cache
