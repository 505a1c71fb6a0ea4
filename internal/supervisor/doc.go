// Package supervisor owns agent processes and drives the lifecycle state machine:
//
//	created --Train--> training --ok--> ready --Start--> running
//	training --fail--> failed; running --Stop--> stopped; running --crash--> failed
//
// Training runs on job queue workers. Start blocks until the runtime reports the
// instance healthy or the startup timeout expires. Every running instance has a
// watcher that detects process exit and repeated health check failures; a crash
// marks the record failed and is reported once by the next operation on that agent.
package supervisor
