// Package executor performs the chat platform actions behind gateway tools.
//
// The gateway hands an Executor a tool name and the validated parameter
// struct for that tool. Matrix drives a Matrix homeserver through mautrix;
// DryRun echoes calls back for local testing. Executors apply their own
// per-call timeout and never retry.
package executor
