/*
Package session tracks connected users, agents and services: their
resolved permissions, the single activity each session may run at a time,
and the resources they hold claims on.

A session is created with permissions resolved from its actor kind and
requested scopes, touched on every action, and ended either explicitly or
by the timeout scanner once idle past the configured session timeout.
Starting an activity while one is running implicitly ends the prior one
into a bounded history; activity logs are a bounded ring.

Lifecycle mutations record through the ledger with permissions flattened
to plain strings, keeping structured policy out of the audit store.
High-frequency touches, progress merges and log appends mutate only the
in-memory record.
*/
package session
