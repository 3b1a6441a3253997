// Package alert defines the domain model for Vanguard's safety-alert
// pipeline: the raw Signal, the Alert lifecycle record, the per-alert
// Investigation record, pipeline Metrics, and the Store interface.
package alert
