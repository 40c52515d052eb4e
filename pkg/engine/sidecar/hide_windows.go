//go:build windows

package sidecar

import (
	"golang.org/x/sys/windows"
)

// conceal adds FILE_ATTRIBUTE_HIDDEN, keeping the other attributes.
func conceal(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}
