//go:build !unix

package userstore

import "os"

// Without flock the in-process lock is the only guard.
func tryLockFile(*os.File) error { return nil }

func waitLockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
