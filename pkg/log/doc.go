/*
Package log provides structured logging for the coordinator using zerolog.

It wraps zerolog with a package-level global logger, component-scoped child
loggers (WithComponent, WithPlanID, WithRequestID, WithQueryID), and a small
set of level helpers. All logs carry a timestamp and support JSON or console
output. Every emitted event also increments metrics.LogEventsTotal by level,
so a spike in error-level logging shows up on the same dashboards as the
rest of the coordinator's counters.

Config.ComponentLevels lets one component log at a different level than the
global default — useful for turning on debug logging in, say, the amender
without flooding the update phase's logs too.

# Usage

	log.Init(log.Config{
		Level:           log.InfoLevel,
		JSONOutput:      true,
		ComponentLevels: map[string]log.Level{"amender": log.DebugLevel},
	})

	updateLog := log.WithComponent("updatephase")
	updateLog.Info().Str("request_id", id).Msg("batch accepted")

	amenderLog := log.WithComponent("amender").With().
		Str("shared_plan_id", planID).Logger()
	amenderLog.Warn().Int("retry", n).Msg("occ validation failed, retrying")

Never log secrets or catalog contents; log ids and counts, not payloads.
*/
package log
