/*
Package mirror implements the reconciliation engine that keeps a local
directory tree and a remote peer's tree converged.

Both sides' metadata lives in a single UpdateTree: every node holds the
last-known local and remote Update for one path. Producers (the initial
scanner, the filesystem watcher, and the network reader) feed Updates
into SyncLogic's inbox, and SyncLogic alone mutates the tree. After each
batch it walks the dirty subset of the tree and decides, per node, which
side is authoritative: the newer side's metadata is either shipped to
the peer or applied to the local filesystem.

Ignore rules gate every decision. Each directory node that contains a
.gitignore carries its compiled rules, and a node's effective ignore
status is resolved against every ancestor's rules plus the extra
include/exclude overrides configured for the session.

Nothing in this package touches the network or the disk directly; those
live in pkg/wire and pkg/fs and are driven by pkg/session.
*/
package mirror
