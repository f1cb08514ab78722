// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the job
// queue. It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies
// the same pragmas to every connection:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL: commits survive a process crash.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock.
//   - foreign_keys=OFF, cache_size=-8192, temp_store=MEMORY.
//
// Callers write SQL directly with sqlitex.Execute. [Pool.Write] wraps
// a function in an immediate transaction; [Pool.Read] lends a
// connection for queries:
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(stateDir, "jobs.db"),
//	    Schema: schema,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE jobs SET status = ? WHERE id = ?", &sqlitex.ExecOptions{
//	        Args: []any{"running", id},
//	    })
//	})
package sqlitepool
