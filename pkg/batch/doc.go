// Package batch runs email-activity reads through the remote batch endpoint.
//
// A batch job is submitted once, polled with exponential backoff until it is
// finished, errored or out of time budget, and its result archive is consumed
// exactly once. The job identifier is kept in a key-value store with a TTL
// equal to the time budget, so a restarted process resumes the job instead of
// submitting a duplicate.
//
// # Chunking
//
// Plan issues one operation per page-size window of a campaign's emails_sent,
// at least one at offset 0. Each operation is identified as
// "report_<campaignID>_<offset>". When a result reports more items than were
// planned, FollowUps plans the missing windows for the next submission. A
// submission carries at most MaxOperations operations; the rest wait.
//
// # Backoff
//
// The delay before poll k (k = 0, 1, ...) is min(2^k seconds, remaining
// budget). Polling stops with ErrBatchTimeout once the budget is spent.
// Schedule returns the offsets of every poll for a given budget.
package batch
