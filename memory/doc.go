/*
Package memory implements the working-memory tier: a per-agent bounded
cache of recent observations with time-based decay scoring.

Observations become visible to retrieval the moment they are added and
are flushed to a durable journal in batches. Retrieval ranks entries by
a weighted geometric score combining recency, importance and relevance
to the query; entries whose score falls below a configurable floor are
hidden rather than deleted.

Core types:

  - [WorkingMemory]: the in-process cache with decay scoring,
    eviction and batched journal flushing
  - [Journal]: durable flush target, implemented by [RedisJournal]
    and [GormJournal]
  - [ImportanceRater]: model-backed importance estimation for new
    observations
  - [Reflector]: synthesizes higher-level reflection observations
    from a window of recent raw ones
*/
package memory
