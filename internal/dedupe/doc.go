// Package dedupe runs an operation once per key within a time window and
// hands the first result to every later caller with the same key. The
// admin API uses it to honour Idempotency-Key on requests that launch
// agents or submit jobs, so a retried request is not applied twice.
package dedupe
