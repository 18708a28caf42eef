// Package rootfs builds the private root directory of a sandbox.
//
// A root holds a fixed skeleton, a copy of the target binary at
// /<basename>, an etc/passwd and etc/group listing only root and the target
// identity, read-only binds of the host's library directories, the optional
// read-write workspace, one bind per readable file rule and a fresh /dev.
//
// All file work goes through an afero.Fs; mount work goes through a
// Mounter so the builder can be exercised without privileges:
//
//	b := rootfs.NewBuilder(log, afero.NewOsFs(), rootfs.NewMounter(log), cfg)
//	warnings, err := b.Prepare(req, ictx)
package rootfs
