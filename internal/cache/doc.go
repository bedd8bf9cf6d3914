/*
Package cache provides a Redis-backed cache manager with connection
pooling, health checks, JSON convenience methods, and basic stats
collection. lattice/engine uses it to front the blobstore get-object
capability import with a TTL cache (spec.md §6).

# Overview

This package wraps the go-redis client behind a single read/write
interface. Manager owns the connection's lifecycle: initialization,
periodic health checks, and graceful close. The connection is plain
TCP; Config has no TLS option.

# Core types

  - Manager: holds the Redis client and pool configuration; exposes
    Get/Set/Delete/Exists/Expire plus GetJSON/SetJSON convenience
    wrappers.
  - Config: address, password, database index, pool size, minimum idle
    connections, retry count, default TTL, and health-check interval.
  - Stats: hit/miss counts, key count, memory usage, and connection
    count.

# Capabilities

  - Key/value reads and writes in both string and JSON form.
  - Connection pooling via PoolSize/MinIdleConns.
  - Background health checks, logged through zap on failure.
  - Graceful close via Close.
  - ErrCacheMiss sentinel plus IsCacheMiss for miss detection.
*/
package cache
