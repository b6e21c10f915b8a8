//go:build !linux

package procmaps

func mkdev(major, minor uint32) uint64 { return uint64(major)<<32 | uint64(minor) }
