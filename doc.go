// Package dat is the client core for content-addressed, peer-replicated archives.
//
// An archive is a virtual file tree identified by a stable key:
// the ref (sha2-256 hash) of the archive's genesis blob.
// Archive content is stored as blobs in a content-addressable blob store,
// the same way for every backend:
// each blob is indexed by its hash,
// which is used as a unique key.
// This key is called the blob's reference, or _ref_.
//
// Content addressability means that if some data changes,
// so does its ref,
// which can make it tricky to keep track of a piece of data over its lifetime.
// So in addition to a plain blob store,
// stores here are "anchor" stores.
// An anchor is a name plus a timestamp pointing to a blob ref.
// An archive's entry index lives at the anchor "index:<key>",
// and a new anchor value is stored every time the index changes.
//
// The subpackages are layered as follows.
// Package store and its children implement blob stores.
// Package drive builds archives on top of a store,
// and package swarm replicates them between peers.
// Packages meter and importqueue meter transfers and sequence local writes,
// package export bundles archive entries into a zip file,
// and package session ties everything together into a controller
// for a single archive at a time.
package dat
