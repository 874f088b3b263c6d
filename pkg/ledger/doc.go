/*
Package ledger implements BuildNet's double-entry audit ledger.

Every state mutation in the system funnels into exactly one RecordChange
call, which produces a transaction of one or two entries: a pure create is
one CREDIT, a pure delete one DEBIT, an update a DEBIT+CREDIT pair. Entries
receive dense, strictly increasing sequence numbers and are chained by
SHA-256: each entry's previous_checksum equals the checksum of the entry
before it, and the checksum covers every field of the entry except the
checksum itself. The result is a tamper-evident log that supports
time-travel queries (GetEntityStateAt) and integrity verification
(VerifyIntegrity reports CHAIN_BREAK and CHECKSUM_MISMATCH defects, never
repairs them).

Writers serialize through the backend lease "ledger:writer"; readers take
no locks. Startup recovery restores the sequence counter from the highest
entry present and refuses writes when the sequence set is not dense.

When a mirror path is configured every entry is additionally appended to a
JSONL file, fsynced per entry; ReplayMirror rebuilds the backend from that
file after a wipe.
*/
package ledger
