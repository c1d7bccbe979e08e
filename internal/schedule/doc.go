// Package schedule fires drill runs on cron or interval triggers.
//
// The service is trigger-only: it parses each drill's schedule string,
// registers it with a robfig/cron runner in the configured timezone, and
// calls the injected RunFunc when an entry fires. Execution, overlap
// skipping, and per-run timeouts belong to the drill service.
package schedule
