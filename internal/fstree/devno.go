package fstree

import "golang.org/x/sys/unix"

// Devno packs a tar entry's major/minor device numbers into the single
// 32-bit rdev value SquashFS stores in device inodes, using the same
// encoding the kernel does for dev_t.
func Devno(major, minor uint32) uint32 {
	return uint32(unix.Mkdev(major, minor))
}
