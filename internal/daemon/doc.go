// Package daemon implements the parabridge sync scheduler.
//
// # Overview
//
// A Scheduler runs a single polling loop. Every tick it:
//
//  1. Reloads the task list from the settings store when the configuration
//     was marked changed (ConfigChanged), and always on the first tick.
//  2. Walks the cached tasks one after another. For each task it lists the
//     table files in the source directory and catches each file up into the
//     task's destination database.
//  3. Sleeps for the tick interval.
//
// Tasks and files are never processed concurrently. One destination
// connection is opened per task per tick and shared by that task's files.
//
// # Catch-up
//
// A file is resumed strictly after its stored cursor. Every new record must
// carry a sequence value greater than the one before it; otherwise the file
// is abandoned for this tick with a ConsistencyError and its cursor stays
// where it was. All inserts of one file run in one destination transaction,
// and the cursor is written only after that transaction commits. Inserts
// skip rows whose sequence value already exists, so a crash between the
// commit and the cursor write does not duplicate rows on the next pass.
//
// # Status
//
// Progress is reported as free text per task through a StatusReporter. The
// control server reads it with StatusText and can subscribe to changes with
// StatusChanged.
//
// # Cancellation
//
// Cancelling the context passed to Run (or calling Stop) interrupts the tick
// sleep, the pause between files, and the record loop. An interrupted file
// rolls back its transaction and keeps its previous cursor.
//
// # Watch mode
//
// With Config.Watch set, a SourceWatcher records which source directories
// saw table file changes. A task whose last pass succeeded and whose
// directory saw no change is skipped, except on every FullScanEvery-th tick.
package daemon
