package service

// Package service drives batches of (runner, subject) pairs through the
// pipeline.
//
// Overview
// The Supervisor loads both descriptors of every pair, asks the Matcher
// whether they are compatible and either executes the pair through the
// Computer or records the mismatch as an error outcome. Species
// mismatches are not recorded.
//
// Pairs are executed by an errgroup limited to service.parallelism jobs.
// A runner may list other runners in its dependencies.edn. Such runners,
// when part of the same batch, are executed in an earlier wave.
//
// Data flow:
//
//   Supervisor           Matcher            Computer           Store
//       |                   |                   |                 |
//   load pair               |                   |                 |
//       | Evaluate -------->|                   |                 |
//       |<---- Result ------|                   |                 |
//       | compatible: Run ---------------------->| stage/execute   |
//       |                                       | validate        |
//       |                                       | finalize ------>| Insert
//       | mismatch: PackageMismatch ----------->| finalize ------>| Insert
//       |<------------- Outcome ----------------|                 |
//
// Cancellation of the context aborts running jobs. Their outcomes are
// finalized as aborted and Run returns the cancellation error together with
// the reports gathered so far. A job that exceeds pipeline.timeout is
// finalized the same way but only its own report carries the error.
