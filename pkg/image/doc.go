/*
Package image builds and caches prepared root filesystems.

An image is a base system with OS packages, a run-as user and mise-managed
language runtimes installed. Images are keyed by a SHA-256 fingerprint of
the normalized inputs, and stored under /usr/local/burrow/images/<short>,
where short is the first 12 hex characters.

An image is ready only once its completion artifact exists: the @ready
snapshot when the images directory is a ZFS dataset, the .burrow-ready
marker file otherwise. A directory or dataset without it is the remains of
an interrupted build and is destroyed before building again.

Builds run in a transient jail named build-<short> that inherits the host
network. Any failure removes the image storage before the error is
returned.
*/
package image
