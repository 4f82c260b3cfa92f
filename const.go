package squashfs

// MetaBlockSize is the maximum size of a single SquashFS metadata block: the
// on-disk length prefix is 15 bits plus an uncompressed-flag bit, capping
// every metadata block (inode table, directory table, and every indirect
// table) at 8KiB.
const MetaBlockSize = 8192

// DirIndexInterval bounds how many directory entries accumulate between
// index entries recorded in an extended directory inode's index.
const DirIndexInterval = 256

// NoFragment marks an inode that stores all of its data in full blocks,
// with no tail fragment.
const NoFragment = 0xFFFFFFFF

// NoXattr marks an inode with no associated xattr set.
const NoXattr = 0xFFFFFFFF
