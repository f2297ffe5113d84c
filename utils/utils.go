package utils

import (
	"os"
	"unsafe"
)

func BytesToString(b []byte) string {
	/* #nosec G103 */
	return *(*string)(unsafe.Pointer(&b))
}

func SysError(name string, err error) error {
	return os.NewSyscallError(name, err)
}
