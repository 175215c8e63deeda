/*
Package probe validates host credentials and gathers system facts.

The full probe is a five-step pipeline that stops at the first failure:
address format, TCP reachability, SSH authentication, an echo sentinel,
and fact collection. Every step's outcome and timing lands in the
Report, along with a size-capped debug transcript for the operator.

Fact collection classifies the host environment (bare metal or VM,
container with an engine socket, or nested container), which drives
installer strategy selection.

ProbeLite is the monitor's cheap variant: connectivity plus a status
check per declared service.
*/
package probe
