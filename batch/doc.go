// Package batch implements the asynchronous bulk generation path: a
// build/submit/poll/fetch/write pipeline around provider-managed batch
// jobs, with an on-disk manifest as the audit record of each run.
//
// The coordinator is resumable at every phase: the manifest is persisted
// before submission, the job id is persisted the moment it is known, and
// the build phase skips cues whose outputs already exist. Results may
// arrive inline or as a downloadable line-delimited file; both shapes go
// through one extraction routine.
package batch
