// Package store implements the single-file embedded relational store that
// backs the tracing buffer. See the Buffer package for the priority and
// eviction discipline layered on top of it.
//
// # Architecture
//
//	┌──────────────────────── STORE ────────────────────────────┐
//	│                                                             │
//	│   writeDB (*sql.DB, MaxOpenConns=1, _txlock=immediate)     │
//	│       BEGIN IMMEDIATE ── exclusive writer lock             │
//	│                                                             │
//	│   readDB (*sql.DB, MaxOpenConns=N)                         │
//	│       BEGIN ── non-exclusive, WAL snapshot read            │
//	│                                                             │
//	│   tracing(id INTEGER PK, priority INTEGER, data BLOB,      │
//	│           mime TEXT)                                        │
//	│   idx_tracing_priority_id ON tracing(priority, id)          │
//	│                                                             │
//	└─────────────────────────────────────────────────────────────┘
//
// Two pools exist because SQLite grants only one writer at a time; routing
// writers through a single-connection pool opened with "_txlock=immediate"
// turns application-level lock contention into a single, well-understood
// SQLITE_BUSY failure mode that Transaction retries with backoff, instead of
// database/sql silently serializing callers behind an opaque pool wait.
package store
