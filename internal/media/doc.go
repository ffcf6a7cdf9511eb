// Package media tracks the removable storage card mirrored by the
// configuration engine.
//
// The card appears and disappears at a fixed mount point. A poll loop
// watches for transitions and posts mount/unmount events on the bus so
// that the configuration engine can flush pending exports the moment the
// card returns. File writes go through an atomic temp-file rename so a
// yank mid-write never leaves a torn document.
package media
