/*
Package remote is the SSH session layer of the control plane.

A Client wraps an authenticated SSH connection plus an SCP channel and
offers bounded command execution, line-streamed execution for progress
reporting, and file upload. Host keys are pinned on first contact
through a KeyStore; a later mismatch fails the session with a
HostKeyChanged fault.

Every Execute call enforces a wall-clock timeout and returns instead of
hanging. Non-zero exit codes are returned as data for the caller to
classify; only transport failures and timeouts are errors.

Command strings must never be assembled by concatenating untrusted
input: use Quote to escape arguments.
*/
package remote
