//go:build windows

package worker

import "os"

func mkfifo(path string) error {
	return ErrUnsupportedPlatform
}

func openPipeRead(path string) (*os.File, error) {
	return nil, ErrUnsupportedPlatform
}

func openPipeWrite(path string) (*os.File, error) {
	return nil, ErrUnsupportedPlatform
}
