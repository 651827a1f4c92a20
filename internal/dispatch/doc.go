// Package dispatch is the change-row dispatch engine.
//
// Raw rows enter through QueueEvent, which parses them into envelopes and
// appends them to an unbounded FIFO queue without blocking. A pool of workers
// drains the queue; each worker runs one row at a time through ProcessEvent:
//
//   - wait for the face index gate to be open
//   - if the row adds or removes an image from a face index album, close the
//     gate, resync the face collection and reopen it
//   - resolve the row into a task through the task registry
//   - schedule the task and wait for it
//
// Worker faults:
//   - every unhandled error bumps the shared error counter and ends the worker
//   - below the error limit a replacement worker slot is started
//   - at the limit a forced stop is triggered
//
// Shutdown:
//   - Stop(false) drains the queue before the workers exit
//   - Stop(true) cancels idle workers and discards queued rows; busy workers
//     finish their current row
//   - Results reports one outcome per worker, or an *AggregateResultsError
//     when any worker faulted
package dispatch
